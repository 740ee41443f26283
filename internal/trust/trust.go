// Package trust decides whether a TLS peer may talk to us on behalf of a
// registration. Peers are checked against the trust anchor pinned in the
// registration, never against the system certificate pool.
package trust

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gurisko/agentctl/internal/registry"
)

var (
	// ErrUntrustedPeer indicates the peer does not chain to the pinned anchor
	ErrUntrustedPeer = errors.New("untrusted peer")
	// ErrExpiredCert indicates a certificate outside its validity window
	ErrExpiredCert = errors.New("certificate expired or not yet valid")
	// ErrNameMismatch indicates the peer certificate is for another name
	ErrNameMismatch = errors.New("peer name mismatch")
)

// Error describes a rejected peer. It matches one of the sentinel errors
// via errors.Is.
type Error struct {
	Kind         error
	Registration string
	Peer         string // subject of the presented leaf, if any
	Detail       string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Peer != "" {
		fmt.Fprintf(&b, " %q", e.Peer)
	}
	if e.Registration != "" {
		fmt.Fprintf(&b, " for %s", e.Registration)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

// IsRejection reports whether err came from the trust policy
func IsRejection(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// Policy verifies peers against per-registration anchors
type Policy struct {
	// Now returns the wall-clock time used for expiry checks. It is
	// consulted on every verification; results are never cached.
	Now func() time.Time
}

// NewPolicy returns a Policy using the system clock
func NewPolicy() *Policy {
	return &Policy{Now: time.Now}
}

func (p *Policy) now() time.Time {
	if p == nil || p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// Verify checks the peer chain (leaf first) against reg's trust anchor
func (p *Policy) Verify(peer []*x509.Certificate, reg *registry.Registration) error {
	reject := func(kind error, subject, detail string) error {
		return &Error{Kind: kind, Registration: reg.ID, Peer: subject, Detail: detail}
	}

	if len(peer) == 0 {
		return reject(ErrUntrustedPeer, "", "no certificate presented")
	}
	leaf := peer[0]
	subject := leaf.Subject.CommonName

	anchors, err := reg.Anchors()
	if err != nil {
		return reject(ErrUntrustedPeer, subject, "unusable trust anchor: "+err.Error())
	}

	now := p.now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return reject(ErrExpiredCert, subject, fmt.Sprintf("valid %s to %s",
			leaf.NotBefore.UTC().Format(time.RFC3339), leaf.NotAfter.UTC().Format(time.RFC3339)))
	}

	if !pinnedExactly(leaf, anchors) {
		roots := x509.NewCertPool()
		for _, a := range anchors {
			roots.AddCert(a)
		}
		intermediates := x509.NewCertPool()
		for _, c := range peer[1:] {
			intermediates.AddCert(c)
		}
		_, err := leaf.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			CurrentTime:   now,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			var invalid x509.CertificateInvalidError
			if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
				return reject(ErrExpiredCert, subject, err.Error())
			}
			return reject(ErrUntrustedPeer, subject, err.Error())
		}
	}

	if reg.PeerName != "" && !nameMatches(leaf, reg.PeerName) {
		return reject(ErrNameMismatch, subject, "expected "+reg.PeerName)
	}
	return nil
}

// VerifyRaw adapts Verify to tls.Config.VerifyPeerCertificate
func (p *Policy) VerifyRaw(raw [][]byte, reg *registry.Registration) error {
	certs := make([]*x509.Certificate, 0, len(raw))
	for _, der := range raw {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return &Error{Kind: ErrUntrustedPeer, Registration: reg.ID, Detail: "unparseable certificate: " + err.Error()}
		}
		certs = append(certs, c)
	}
	return p.Verify(certs, reg)
}

func pinnedExactly(leaf *x509.Certificate, anchors []*x509.Certificate) bool {
	for _, a := range anchors {
		if leaf.Equal(a) {
			return true
		}
	}
	return false
}

func nameMatches(leaf *x509.Certificate, name string) bool {
	if leaf.VerifyHostname(name) == nil {
		return true
	}
	return strings.EqualFold(leaf.Subject.CommonName, name)
}

// ServerConfig is the TLS configuration for accepting a pull site. Client
// certificates are requested rather than required so that a missing
// certificate reaches the policy and is counted as a rejection.
func (p *Policy) ServerConfig(reg *registry.Registration) (*tls.Config, error) {
	cert, err := reg.Identity.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequestClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return p.VerifyRaw(rawCerts, reg)
		},
	}, nil
}

// ClientConfig is the TLS configuration for dialing a push site
func (p *Policy) ClientConfig(reg *registry.Registration, serverName string) (*tls.Config, error) {
	cert, err := reg.Identity.Certificate()
	if err != nil {
		return nil, err
	}
	if reg.PeerName != "" {
		serverName = reg.PeerName
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ServerName:   serverName,
		// InsecureSkipVerify disables the system-pool chain check only;
		// VerifyPeerCertificate enforces the pinned anchor instead.
		InsecureSkipVerify: true, //nolint:gosec // pinned verification below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return p.VerifyRaw(rawCerts, reg)
		},
	}, nil
}
