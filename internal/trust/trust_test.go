package trust

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/agentctl/internal/registry"
	"github.com/gurisko/agentctl/internal/testpki"
)

func registrationTrusting(t *testing.T, anchorPEM string) *registry.Registration {
	t.Helper()
	hostCA := testpki.NewAuthority(t, "host-ca")
	leaf := hostCA.Issue(t, "host.example.com")
	return &registry.Registration{
		ID:          "site/prod",
		UUID:        registry.GenerateUUID(),
		Mode:        registry.ModePull,
		Identity:    registry.Identity{CertPEM: leaf.CertPEM, KeyPEM: leaf.KeyPEM},
		TrustAnchor: anchorPEM,
	}
}

func TestVerify(t *testing.T) {
	siteCA := testpki.NewAuthority(t, "site-ca")
	otherCA := testpki.NewAuthority(t, "other-ca")
	intermediate := siteCA.Intermediate(t, "site-intermediate")
	pinned := testpki.SelfSigned(t, "site.example.com")
	stalePin := testpki.SelfSigned(t, "old.example.com", testpki.Expired())

	tests := []struct {
		name     string
		anchor   string
		peer     []*x509.Certificate
		peerName string
		wantErr  error
	}{
		{
			name:   "leaf issued by anchor",
			anchor: siteCA.CertPEM,
			peer:   []*x509.Certificate{siteCA.Issue(t, "site.example.com").Cert},
		},
		{
			name:   "leaf via presented intermediate",
			anchor: siteCA.CertPEM,
			peer: func() []*x509.Certificate {
				leaf := intermediate.Issue(t, "site.example.com")
				return []*x509.Certificate{leaf.Cert, intermediate.Cert}
			}(),
		},
		{
			name:   "exact pinned certificate",
			anchor: pinned.CertPEM,
			peer:   []*x509.Certificate{pinned.Cert},
		},
		{
			name:    "issued by another authority",
			anchor:  siteCA.CertPEM,
			peer:    []*x509.Certificate{otherCA.Issue(t, "site.example.com").Cert},
			wantErr: ErrUntrustedPeer,
		},
		{
			name:    "unrelated self-signed leaf",
			anchor:  siteCA.CertPEM,
			peer:    []*x509.Certificate{testpki.SelfSigned(t, "site.example.com").Cert},
			wantErr: ErrUntrustedPeer,
		},
		{
			name:    "intermediate withheld",
			anchor:  siteCA.CertPEM,
			peer:    []*x509.Certificate{intermediate.Issue(t, "site.example.com").Cert},
			wantErr: ErrUntrustedPeer,
		},
		{
			name:    "no certificate",
			anchor:  siteCA.CertPEM,
			wantErr: ErrUntrustedPeer,
		},
		{
			name:    "expired leaf",
			anchor:  siteCA.CertPEM,
			peer:    []*x509.Certificate{siteCA.Issue(t, "site.example.com", testpki.Expired()).Cert},
			wantErr: ErrExpiredCert,
		},
		{
			name:   "leaf not yet valid",
			anchor: siteCA.CertPEM,
			peer: []*x509.Certificate{siteCA.Issue(t, "site.example.com",
				testpki.WithValidity(time.Now().Add(time.Hour), time.Now().Add(48*time.Hour))).Cert},
			wantErr: ErrExpiredCert,
		},
		{
			name:    "expired pinned certificate",
			anchor:  stalePin.CertPEM,
			peer:    []*x509.Certificate{stalePin.Cert},
			wantErr: ErrExpiredCert,
		},
		{
			name:     "peer name via SAN",
			anchor:   siteCA.CertPEM,
			peer:     []*x509.Certificate{siteCA.Issue(t, "site.example.com").Cert},
			peerName: "site.example.com",
		},
		{
			name:     "peer name via common name",
			anchor:   siteCA.CertPEM,
			peer:     []*x509.Certificate{siteCA.Issue(t, "prod", testpki.WithDNSNames()).Cert},
			peerName: "prod",
		},
		{
			name:     "peer name mismatch",
			anchor:   siteCA.CertPEM,
			peer:     []*x509.Certificate{siteCA.Issue(t, "site.example.com").Cert},
			peerName: "other.example.com",
			wantErr:  ErrNameMismatch,
		},
		{
			name:    "unusable anchor",
			anchor:  "garbage",
			peer:    []*x509.Certificate{siteCA.Issue(t, "site.example.com").Cert},
			wantErr: ErrUntrustedPeer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registrationTrusting(t, tt.anchor)
			reg.PeerName = tt.peerName

			err := NewPolicy().Verify(tt.peer, reg)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsRejection(err))

			var te *Error
			require.True(t, errors.As(err, &te))
			assert.Equal(t, reg.ID, te.Registration)
		})
	}
}

func TestVerify_ExpiryUsesCurrentClock(t *testing.T) {
	siteCA := testpki.NewAuthority(t, "site-ca", testpki.WithValidity(time.Now().Add(-time.Hour), time.Now().Add(90*24*time.Hour)))
	leaf := siteCA.Issue(t, "site.example.com")
	reg := registrationTrusting(t, siteCA.CertPEM)

	now := time.Now()
	p := &Policy{Now: func() time.Time { return now }}
	require.NoError(t, p.Verify([]*x509.Certificate{leaf.Cert}, reg))

	// Same policy, same peer, later handshake: nothing is cached
	now = leaf.Cert.NotAfter.Add(time.Minute)
	require.ErrorIs(t, p.Verify([]*x509.Certificate{leaf.Cert}, reg), ErrExpiredCert)
}

func TestVerifyRaw_Unparseable(t *testing.T) {
	reg := registrationTrusting(t, testpki.NewAuthority(t, "site-ca").CertPEM)
	err := NewPolicy().VerifyRaw([][]byte{[]byte("junk")}, reg)
	require.ErrorIs(t, err, ErrUntrustedPeer)
}

// handshake runs a full mutual TLS handshake over an in-memory pipe and
// returns the server side's error.
func handshake(t *testing.T, server, client *tls.Config) error {
	t.Helper()
	sc, cc := net.Pipe()
	defer sc.Close()
	defer cc.Close()

	clientErr := make(chan error, 1)
	go func() {
		conn := tls.Client(cc, client)
		err := conn.Handshake()
		if err == nil {
			// TLS 1.3 clients finish before the server has checked them;
			// a read surfaces the server's verdict.
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, err = conn.Read(make([]byte, 1))
		}
		clientErr <- err
		_ = cc.Close()
	}()

	conn := tls.Server(sc, server)
	err := conn.Handshake()
	if err == nil {
		_, _ = conn.Write([]byte("x"))
	}
	_ = sc.Close()
	<-clientErr
	return err
}

func TestServerConfig_MutualAuth(t *testing.T) {
	siteCA := testpki.NewAuthority(t, "site-ca")
	reg := registrationTrusting(t, siteCA.CertPEM)

	server, err := NewPolicy().ServerConfig(reg)
	require.NoError(t, err)

	t.Run("trusted site", func(t *testing.T) {
		client := &tls.Config{
			Certificates:       []tls.Certificate{siteCA.Issue(t, "site").TLS(t)},
			InsecureSkipVerify: true, //nolint:gosec // test client
			ServerName:         reg.UUID,
		}
		require.NoError(t, handshake(t, server, client))
	})

	t.Run("untrusted site", func(t *testing.T) {
		client := &tls.Config{
			Certificates:       []tls.Certificate{testpki.NewAuthority(t, "evil-ca").Issue(t, "site").TLS(t)},
			InsecureSkipVerify: true, //nolint:gosec // test client
		}
		err := handshake(t, server, client)
		require.ErrorIs(t, err, ErrUntrustedPeer)
	})

	t.Run("no client certificate", func(t *testing.T) {
		client := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // test client
		err := handshake(t, server, client)
		require.ErrorIs(t, err, ErrUntrustedPeer)
	})
}

func TestClientConfig_RejectsUnpinnedServer(t *testing.T) {
	siteCA := testpki.NewAuthority(t, "site-ca")
	reg := registrationTrusting(t, siteCA.CertPEM)

	client, err := NewPolicy().ClientConfig(reg, "site.example.com")
	require.NoError(t, err)
	assert.Equal(t, "site.example.com", client.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), client.MinVersion)

	evil := testpki.NewAuthority(t, "evil-ca").Issue(t, "site.example.com").TLS(t)
	sc, cc := net.Pipe()
	defer sc.Close()
	defer cc.Close()
	go func() {
		server := tls.Server(sc, &tls.Config{Certificates: []tls.Certificate{evil}})
		_ = server.Handshake()
		_ = sc.Close()
	}()

	err = tls.Client(cc, client).Handshake()
	require.ErrorIs(t, err, ErrUntrustedPeer)
}
