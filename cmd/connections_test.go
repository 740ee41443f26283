//go:build unix

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/gurisko/agentctl/internal/registry"
	"github.com/gurisko/agentctl/internal/testpki"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		connRmYes, connRmJSON, connListJSON = false, false, false
	})
	return Execute()
}

func writeBundle(t *testing.T, bundles ...registry.Bundle) string {
	t.Helper()
	data, err := yaml.Marshal(bundles)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bundle.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func newBundle(t *testing.T, id, mode, addr string) registry.Bundle {
	t.Helper()
	ca := testpki.NewAuthority(t, "site-ca")
	host := ca.Issue(t, "host")
	return registry.Bundle{
		ID:          id,
		Mode:        mode,
		Address:     addr,
		Certificate: host.CertPEM,
		PrivateKey:  host.KeyPEM,
		TrustAnchor: ca.CertPEM,
	}
}

func TestConnections_ImportListRemove(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "runtime"))
	state := filepath.Join(dir, "state")
	store := registry.NewStore(filepath.Join(state, "registry.yaml"))

	bundle := writeBundle(t,
		newBundle(t, "site/push", "push", "site.example.com:8000"),
		newBundle(t, "site/pull", "pull-agent", ""),
	)
	require.NoError(t, run(t, "--state-dir", state, "connections", "import", bundle))

	reg, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())
	pulled, ok := reg.Get("site/pull")
	require.True(t, ok)
	assert.Equal(t, registry.ModePull, pulled.Mode)
	assert.NotEmpty(t, pulled.UUID)

	// Re-importing an existing id is refused and changes nothing
	err = run(t, "--state-dir", state, "connections", "import", bundle)
	require.ErrorIs(t, err, registry.ErrRegistrationExists)

	require.NoError(t, run(t, "--state-dir", state, "connections", "list", "--json"))

	require.NoError(t, run(t, "--state-dir", state, "connections", "remove", "-y", "site/push"))
	reg, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	err = run(t, "--state-dir", state, "connections", "remove", "-y", "site/push")
	require.ErrorIs(t, err, registry.ErrNotFound)

	require.NoError(t, run(t, "--state-dir", state, "connections", "remove-all", "--yes"))
	reg, err = store.Load()
	require.NoError(t, err)
	assert.Zero(t, reg.Len())
}

func TestReadBundle_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.yaml")
	require.NoError(t, os.WriteFile(path, make([]byte, 2<<20), 0o600))
	_, err := readBundle(path)
	require.ErrorIs(t, err, registry.ErrInvalid)
}
