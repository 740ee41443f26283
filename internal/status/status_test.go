package status

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/agentctl/internal/agentsock"
	"github.com/gurisko/agentctl/internal/agentsock/agenttest"
	"github.com/gurisko/agentctl/internal/apiclient"
	"github.com/gurisko/agentctl/internal/journal"
	"github.com/gurisko/agentctl/internal/manager"
	"github.com/gurisko/agentctl/internal/pull"
	"github.com/gurisko/agentctl/internal/registry"
	"github.com/gurisko/agentctl/internal/testpki"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

type staticStates struct {
	overview *manager.Overview
	err      error
}

func (s staticStates) Overview(context.Context) (*manager.Overview, error) {
	return s.overview, s.err
}

func emptyStore(t *testing.T) *registry.Store {
	return registry.NewStore(filepath.Join(t.TempDir(), "registry.yaml"))
}

func render(t *testing.T, rep Report) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, rep))
	return buf.String()
}

func TestStatus_EmptyRegistryOperationalSocket(t *testing.T) {
	agent := agenttest.NewServer(t, "<<<check_mk>>>\n")
	r := &Reporter{Registry: emptyStore(t), Agent: agentsock.New(agent.Path, time.Second)}

	rep, err := r.Report(context.Background())
	require.NoError(t, err)
	out := render(t, rep)

	assert.Contains(t, out, "No connections")
	assert.Contains(t, out, "Agent socket: operational")
	assert.Contains(t, out, "IP allowlist: any")
	assert.Zero(t, agent.Served(), "a health probe must not read agent output")
}

func TestStatus_EmptyRegistryMissingSocket(t *testing.T) {
	r := &Reporter{Registry: emptyStore(t), Agent: agentsock.New(agenttest.SocketPath(t), 500*time.Millisecond)}

	rep, err := r.Report(context.Background())
	require.NoError(t, err)
	out := render(t, rep)

	assert.Contains(t, out, "No connections")
	assert.Contains(t, out, "Agent socket: inoperational (!!)")
	assert.NotEmpty(t, rep.AgentSocket.Reason)
	assert.Contains(t, out, rep.AgentSocket.Reason)
}

func insert(t *testing.T, store *registry.Store, id string, mode registry.Mode, addr string) registry.Registration {
	t.Helper()
	hostCA := testpki.NewAuthority(t, "host-ca")
	leaf := hostCA.Issue(t, "host.example.com")
	r, err := store.Insert(registry.Registration{
		ID:          id,
		Mode:        mode,
		Address:     addr,
		Label:       "production",
		Identity:    registry.Identity{CertPEM: leaf.CertPEM, KeyPEM: leaf.KeyPEM},
		TrustAnchor: testpki.NewAuthority(t, "site-ca").CertPEM,
	})
	require.NoError(t, err)
	return r
}

func TestStatus_DaemonNotRunning(t *testing.T) {
	store := emptyStore(t)
	insert(t, store, "site/a", registry.ModePush, "site.example.com:8000")
	insert(t, store, "site/b", registry.ModePull, "")

	r := &Reporter{
		Registry: store,
		Agent:    agentsock.New(agenttest.SocketPath(t), 200*time.Millisecond),
		States:   DaemonSource{Client: apiclient.New(filepath.Join(t.TempDir(), "daemon.sock"))},
	}
	rep, err := r.Report(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.DaemonRunning)
	require.Len(t, rep.Connections, 2)
	for _, c := range rep.Connections {
		assert.Equal(t, manager.StateStopped, c.State, c.ID)
		assert.Equal(t, ReasonDaemonNotRunning, c.Reason)
		require.NotNil(t, c.Certificate)
		assert.Equal(t, "host.example.com", c.Certificate.Subject)
	}

	out := render(t, rep)
	assert.Contains(t, out, "Connections: 2")
	assert.Contains(t, out, "site/a (production)")
	assert.Contains(t, out, "stopped: daemon not running")
	assert.Contains(t, out, "Daemon: not running")
}

func TestStatus_MergesLiveStateAndJournal(t *testing.T) {
	store := emptyStore(t)
	a := insert(t, store, "site/a", registry.ModePush, "site.example.com:8000")
	insert(t, store, "site/new", registry.ModePull, "")

	success := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	older := success.Add(-time.Hour)
	failure := success.Add(time.Minute)

	states := staticStates{overview: &manager.Overview{
		Connections: []manager.Entry{{ID: "site/a", UUID: a.UUID, Mode: registry.ModePush, State: manager.StateFailed, Reason: "dial failed", LastSuccess: &older}},
		Pull:        manager.PullOverview{Address: "[::]:8000", Stats: pull.Stats{Relayed: 4, Rejected: 1}},
	}}

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, journal.Event{RegistrationID: "site/a", Kind: journal.KindPush, Success: true, At: success}))
	require.NoError(t, j.Record(ctx, journal.Event{RegistrationID: "site/a", Kind: journal.KindPush, Detail: "dial failed: connection refused", At: failure}))

	r := &Reporter{Registry: store, Agent: agentsock.New(agenttest.SocketPath(t), 200*time.Millisecond), States: states, Outcomes: j}
	rep, err := r.Report(ctx)
	require.NoError(t, err)

	require.True(t, rep.DaemonRunning)
	require.NotNil(t, rep.Pull)
	assert.EqualValues(t, 4, rep.Pull.Stats.Relayed)

	byID := map[string]Connection{}
	for _, c := range rep.Connections {
		byID[c.ID] = c
	}
	ca := byID["site/a"]
	assert.Equal(t, manager.StateFailed, ca.State)
	require.NotNil(t, ca.LastSuccess)
	assert.True(t, ca.LastSuccess.Equal(success), "journal holds the newer success")
	require.NotNil(t, ca.LastFailure)
	assert.True(t, ca.LastFailure.Equal(failure))
	assert.Equal(t, "dial failed: connection refused", ca.LastError)

	assert.Equal(t, manager.StateIdle, byID["site/new"].State)

	out := render(t, rep)
	assert.Contains(t, out, "Pull listener: [::]:8000 (relayed 4, rejected 1")
	assert.Contains(t, out, "failed: dial failed")
}

func TestStatus_CorruptRegistry(t *testing.T) {
	store := emptyStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("registrations: {"), 0o600))

	r := &Reporter{Registry: store, Agent: agentsock.New(agenttest.SocketPath(t), 200*time.Millisecond)}
	_, err := r.Report(context.Background())
	require.ErrorIs(t, err, registry.ErrCorrupt)
}

func TestStatus_DaemonErrorMeansNotRunning(t *testing.T) {
	r := &Reporter{
		Registry: emptyStore(t),
		Agent:    agentsock.New(agenttest.SocketPath(t), 200*time.Millisecond),
		States:   staticStates{err: errors.New("boom")},
	}
	rep, err := r.Report(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.DaemonRunning)
}

func TestWriteJSON(t *testing.T) {
	rep := Report{
		AgentSocket: agentsock.Health{Operational: false, Reason: "socket not found", Path: "/run/agent.socket"},
		IPAllowlist: "any",
		Connections: []Connection{},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, rep))
	assert.Contains(t, buf.String(), `"operational": false`)
	assert.Contains(t, buf.String(), `"reason": "socket not found"`)
	assert.Contains(t, buf.String(), `"connections": []`)
}
