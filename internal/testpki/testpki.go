// Package testpki mints throwaway certificate authorities and leaf
// certificates for tests that exercise mutual TLS.
package testpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"
)

// Pair is a PEM certificate with its private key
type Pair struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM string
	KeyPEM  string
}

// TLS returns the pair as a tls.Certificate
func (p Pair) TLS(tb testing.TB) tls.Certificate {
	tb.Helper()
	cert, err := tls.X509KeyPair([]byte(p.CertPEM), []byte(p.KeyPEM))
	if err != nil {
		tb.Fatalf("testpki: key pair: %v", err)
	}
	return cert
}

// Pool returns a cert pool containing only this certificate
func (p Pair) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(p.Cert)
	return pool
}

type options struct {
	notBefore time.Time
	notAfter  time.Time
	dnsNames  []string
}

// Option adjusts a certificate before it is signed
type Option func(*options)

// WithValidity sets the validity window
func WithValidity(notBefore, notAfter time.Time) Option {
	return func(o *options) {
		o.notBefore = notBefore
		o.notAfter = notAfter
	}
}

// Expired makes a certificate that stopped being valid an hour ago
func Expired() Option {
	now := time.Now()
	return WithValidity(now.Add(-48*time.Hour), now.Add(-time.Hour))
}

// WithDNSNames replaces the default DNS SANs
func WithDNSNames(names ...string) Option {
	return func(o *options) { o.dnsNames = names }
}

func buildOptions(cn string, opts []Option) options {
	now := time.Now()
	o := options{
		notBefore: now.Add(-time.Hour),
		notAfter:  now.Add(24 * time.Hour),
		dnsNames:  []string{cn},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewAuthority creates a self-signed CA
func NewAuthority(tb testing.TB, cn string, opts ...Option) Pair {
	tb.Helper()
	o := buildOptions(cn, opts)
	tmpl := &x509.Certificate{
		SerialNumber:          serial(tb),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"agentctl test"}},
		NotBefore:             o.notBefore,
		NotAfter:              o.notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	key := newKey(tb)
	return sign(tb, tmpl, tmpl, key, key)
}

// Issue signs a leaf usable for both server and client authentication
func (ca Pair) Issue(tb testing.TB, cn string, opts ...Option) Pair {
	tb.Helper()
	o := buildOptions(cn, opts)
	tmpl := leafTemplate(tb, cn, o)
	return sign(tb, tmpl, ca.Cert, newKey(tb), ca.Key)
}

// Intermediate signs a subordinate CA
func (ca Pair) Intermediate(tb testing.TB, cn string, opts ...Option) Pair {
	tb.Helper()
	o := buildOptions(cn, opts)
	tmpl := &x509.Certificate{
		SerialNumber:          serial(tb),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"agentctl test"}},
		NotBefore:             o.notBefore,
		NotAfter:              o.notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	return sign(tb, tmpl, ca.Cert, newKey(tb), ca.Key)
}

// SelfSigned creates a leaf that is its own issuer, for exact pinning
func SelfSigned(tb testing.TB, cn string, opts ...Option) Pair {
	tb.Helper()
	o := buildOptions(cn, opts)
	tmpl := leafTemplate(tb, cn, o)
	key := newKey(tb)
	return sign(tb, tmpl, tmpl, key, key)
}

func leafTemplate(tb testing.TB, cn string, o options) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber: serial(tb),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    o.notBefore,
		NotAfter:     o.notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     o.dnsNames,
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
}

func sign(tb testing.TB, tmpl, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) Pair {
	tb.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		tb.Fatalf("testpki: create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatalf("testpki: parse certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		tb.Fatalf("testpki: marshal key: %v", err)
	}
	return Pair{
		Cert:    cert,
		Key:     key,
		CertPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		KeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
	}
}

func newKey(tb testing.TB) *ecdsa.PrivateKey {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("testpki: generate key: %v", err)
	}
	return key
}

func serial(tb testing.TB) *big.Int {
	tb.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		tb.Fatalf("testpki: serial: %v", err)
	}
	return n
}
