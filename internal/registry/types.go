package registry

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Mode is the connection direction of a registration
type Mode string

const (
	// ModePush dials out to the site and uploads snapshots on a schedule
	ModePush Mode = "push"
	// ModePull accepts inbound connections from the site
	ModePull Mode = "pull"
)

// ParseMode accepts the two modes plus the "-agent" spellings sites use
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "push", "push-agent":
		return ModePush, nil
	case "pull", "pull-agent":
		return ModePull, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalid, s)
}

func (m Mode) Valid() bool { return m == ModePush || m == ModePull }

// Identity is the TLS client identity this host presents to a site.
// Neither field is ever written to logs; see String and LogValue.
type Identity struct {
	CertPEM string `yaml:"certificate" json:"-"`
	KeyPEM  string `yaml:"private_key" json:"-"`
}

// Certificate parses the key pair for use in a tls.Config
func (id Identity) Certificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair([]byte(id.CertPEM), []byte(id.KeyPEM))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse identity key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		cert.Leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	return cert, nil
}

// Leaf returns the first certificate of the identity chain
func (id Identity) Leaf() (*x509.Certificate, error) {
	certs, err := ParseCertificates(id.CertPEM)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

func (id Identity) String() string {
	leaf, err := id.Leaf()
	if err != nil {
		return "identity(invalid)"
	}
	return fmt.Sprintf("identity(%s, expires %s)", leaf.Subject.CommonName, leaf.NotAfter.UTC().Format(time.RFC3339))
}

// LogValue keeps private key material out of structured logs
func (id Identity) LogValue() slog.Value {
	leaf, err := id.Leaf()
	if err != nil {
		return slog.StringValue("invalid")
	}
	return slog.GroupValue(
		slog.String("subject", leaf.Subject.CommonName),
		slog.Time("not_after", leaf.NotAfter),
	)
}

// Registration represents one relationship with a remote monitoring site
type Registration struct {
	ID          string    `yaml:"id" json:"id"`                           // Site identifier, unique in the registry
	UUID        string    `yaml:"uuid" json:"uuid"`                       // Connection UUID, sent as TLS server name by pull sites
	Mode        Mode      `yaml:"mode" json:"mode"`                       // Immutable after creation
	Address     string    `yaml:"address,omitempty" json:"address"`       // host:port of the site (push only)
	Identity    Identity  `yaml:"identity" json:"-"`                      // Our TLS identity
	TrustAnchor string    `yaml:"trust_anchor" json:"-"`                  // PEM certificate(s) pinned for the site
	PeerName    string    `yaml:"peer_name,omitempty" json:"peer_name"`   // Expected peer name, empty skips the check
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`           // When the relationship was registered
	Label       string    `yaml:"label,omitempty" json:"label,omitempty"` // Optional human label
}

// LogValue renders the registration without key material
func (r Registration) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("uuid", r.UUID),
		slog.String("mode", string(r.Mode)),
		slog.String("address", r.Address),
	)
}

// Anchors parses the pinned trust anchor certificates
func (r *Registration) Anchors() ([]*x509.Certificate, error) {
	return ParseCertificates(r.TrustAnchor)
}

// Validate checks the fields an insert depends on. It does not fill defaults.
func (r *Registration) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if strings.ContainsAny(r.ID, " \t\r\n") {
		return fmt.Errorf("%w: id %q contains whitespace", ErrInvalid, r.ID)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, r.Mode)
	}
	switch r.Mode {
	case ModePush:
		if r.Address == "" {
			return fmt.Errorf("%w: push registration %s needs an address", ErrInvalid, r.ID)
		}
		if _, _, err := net.SplitHostPort(r.Address); err != nil {
			return fmt.Errorf("%w: address %q: %v", ErrInvalid, r.Address, err)
		}
	case ModePull:
		if r.Address != "" {
			return fmt.Errorf("%w: pull registration %s takes no address", ErrInvalid, r.ID)
		}
	}
	if _, err := r.Identity.Certificate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := r.Anchors(); err != nil {
		return fmt.Errorf("%w: trust anchor: %v", ErrInvalid, err)
	}
	return nil
}

// Registry is the persisted, ordered set of registrations
type Registry struct {
	Version       int            `yaml:"version" json:"version"`
	Registrations []Registration `yaml:"registrations" json:"registrations"`
}

// CurrentVersion is written on every save
const CurrentVersion = 1

// Get returns the registration with the given ID
func (r *Registry) Get(id string) (Registration, bool) {
	for _, reg := range r.Registrations {
		if reg.ID == id {
			return reg, true
		}
	}
	return Registration{}, false
}

// Len returns the number of registrations
func (r *Registry) Len() int { return len(r.Registrations) }

// ByMode returns registrations of one mode in registry order
func (r *Registry) ByMode(mode Mode) []Registration {
	var out []Registration
	for _, reg := range r.Registrations {
		if reg.Mode == mode {
			out = append(out, reg)
		}
	}
	return out
}

func (r *Registry) indexOf(id string) int {
	for i, reg := range r.Registrations {
		if reg.ID == id {
			return i
		}
	}
	return -1
}

// check reports structural problems in a registry read from disk
func (r *Registry) check() error {
	if r.Version == 0 {
		return errors.New("missing version")
	}
	if r.Version > CurrentVersion {
		return fmt.Errorf("unsupported version %d", r.Version)
	}
	seen := make(map[string]bool, len(r.Registrations))
	for _, reg := range r.Registrations {
		if reg.ID == "" {
			return errors.New("registration without id")
		}
		if seen[reg.ID] {
			return fmt.Errorf("duplicate registration %q", reg.ID)
		}
		seen[reg.ID] = true
		if !reg.Mode.Valid() {
			return fmt.Errorf("registration %q: unknown mode %q", reg.ID, reg.Mode)
		}
	}
	return nil
}

// ParseCertificates decodes every CERTIFICATE block in pemData
func ParseCertificates(pemData string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(pemData)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no PEM certificate found")
	}
	return certs, nil
}
