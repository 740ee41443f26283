// Package manager keeps the running connections in line with the registry.
// It owns one task per registration: a push scheduler goroutine, or a route
// on the shared pull listener.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gurisko/agentctl/internal/journal"
	"github.com/gurisko/agentctl/internal/pull"
	"github.com/gurisko/agentctl/internal/push"
	"github.com/gurisko/agentctl/internal/registry"
	"github.com/gurisko/agentctl/internal/trust"
)

var (
	// ErrShutdownTimeout indicates a task did not stop within the grace period
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")
	// ErrClosed is returned by Reconcile once the manager has shut down
	ErrClosed = errors.New("manager is shut down")
)

const (
	DefaultRescanInterval = 30 * time.Second
	DefaultShutdownGrace  = 5 * time.Second
	recordTimeout         = 2 * time.Second
)

// Agent is the local agent socket as used by both connection modes
type Agent interface {
	pull.Agent
	push.Agent
}

// Recorder persists connection outcomes. *journal.Journal implements it.
type Recorder interface {
	Record(ctx context.Context, e journal.Event) error
	Prune(ctx context.Context, keep int) (int64, error)
	Forget(ctx context.Context, registrationID string) error
}

// Config holds manager settings
type Config struct {
	Push           push.Config
	Pull           pull.Config
	RescanInterval time.Duration
	ShutdownGrace  time.Duration
	JournalKeep    int
}

func (c Config) withDefaults() Config {
	if c.RescanInterval <= 0 {
		c.RescanInterval = DefaultRescanInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.JournalKeep <= 0 {
		c.JournalKeep = journal.DefaultKeep
	}
	return c
}

// task is the ownership token for one registration's running connection.
// Callbacks from a task are applied only while it is still the current
// task for its registration.
type task struct {
	reg    registry.Registration
	cancel context.CancelFunc
	done   <-chan struct{}
}

func closedChan() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// Manager reconciles running connections with the registry
type Manager struct {
	store    *registry.Store
	agent    Agent
	policy   *trust.Policy
	recorder Recorder
	cfg      Config
	base     *slog.Logger // handed to schedulers and the listener
	logger   *slog.Logger
	now      func() time.Time

	reconcileMu sync.Mutex // serialises Reconcile and shutdown
	closed      bool       // guarded by reconcileMu

	mu       sync.Mutex
	tasks    map[string]*task
	entries  map[string]*Entry
	listener *pull.Listener
	lnDone   chan struct{}
	lnCancel context.CancelFunc

	nudge chan struct{}

	// observe, if set, sees every entry change made by a task callback.
	// It runs with m.mu held.
	observe func(Entry)
}

// New creates a manager. recorder may be nil.
func New(store *registry.Store, agent Agent, policy *trust.Policy, recorder Recorder, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		agent:    agent,
		policy:   policy,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		base:     logger,
		logger:   logger.With("component", "manager"),
		now:      func() time.Time { return time.Now().UTC() },
		tasks:    make(map[string]*task),
		entries:  make(map[string]*Entry),
		nudge:    make(chan struct{}, 1),
	}
}

// Nudge asks a running manager to reconcile soon. It never blocks.
func (m *Manager) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of every known entry, sorted by ID
func (m *Manager) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns the state of one registration
func (m *Manager) State(id string) (ConnectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", false
	}
	return e.State, true
}

// PullStats returns the shared listener's counters, zero when no pull
// registration exists
func (m *Manager) PullStats() pull.Stats {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l == nil {
		return pull.Stats{}
	}
	return l.Stats()
}

// PullAddr returns the pull listener address, or "" when not listening
func (m *Manager) PullAddr() string {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l == nil || l.Addr() == nil {
		return ""
	}
	return l.Addr().String()
}

// Overview bundles Snapshot with the pull listener's address and counters
func (m *Manager) Overview() Overview {
	return Overview{
		Connections: m.Snapshot(),
		Pull:        PullOverview{Address: m.PullAddr(), Stats: m.PullStats()},
	}
}

// Reconcile loads the registry and starts, stops or restarts connections
// so that exactly the registered ones run. A corrupt registry is returned
// as an error and leaves running connections untouched. After shutdown it
// returns ErrClosed and starts nothing.
func (m *Manager) Reconcile(_ context.Context) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()
	if m.closed {
		return ErrClosed
	}

	reg, err := m.store.Load()
	if err != nil {
		return err
	}
	desired := make(map[string]registry.Registration, reg.Len())
	for _, r := range reg.Registrations {
		desired[r.ID] = r
	}

	now := m.now()
	var stopping []*task
	var removed []string

	m.mu.Lock()
	for id, e := range m.entries {
		if _, ok := desired[id]; !ok && e.State == StateStopped {
			delete(m.entries, id)
		}
	}
	for id, t := range m.tasks {
		want, ok := desired[id]
		switch {
		case !ok:
			m.entries[id].set(StateStopped, "registration removed", now)
			removed = append(removed, id)
		case !sameConnection(t.reg, want):
			m.logger.Info("registration changed, restarting", "registration", id)
		default:
			continue
		}
		delete(m.tasks, id)
		if t.reg.Mode == registry.ModePull {
			t.done = m.releaseLocked(id)
		}
		stopping = append(stopping, t)
	}
	m.mu.Unlock()

	_ = m.stopTasks(stopping)
	for _, id := range removed {
		m.logger.Info("connection stopped", "registration", id)
		m.forget(id)
	}

	m.mu.Lock()
	for _, r := range reg.Registrations {
		if _, running := m.tasks[r.ID]; running {
			continue
		}
		m.startLocked(r, now)
	}
	m.mu.Unlock()

	m.syncListener(reg.ByMode(registry.ModePull))
	return nil
}

func sameConnection(a, b registry.Registration) bool {
	return a.UUID == b.UUID &&
		a.Mode == b.Mode &&
		a.Address == b.Address &&
		a.Identity == b.Identity &&
		a.TrustAnchor == b.TrustAnchor &&
		a.PeerName == b.PeerName
}

// startLocked creates the task for r. m.mu must be held.
func (m *Manager) startLocked(r registry.Registration, now time.Time) {
	e := &Entry{ID: r.ID, UUID: r.UUID, Mode: r.Mode, Address: r.Address, Since: now}
	if prev, ok := m.entries[r.ID]; ok {
		e.LastSuccess, e.LastFailure, e.LastError = prev.LastSuccess, prev.LastFailure, prev.LastError
	}
	e.set(StateIdle, "", now)
	m.entries[r.ID] = e

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{reg: r, cancel: cancel, done: closedChan()}
	m.tasks[r.ID] = t

	switch r.Mode {
	case registry.ModePush:
		s, err := push.New(r, m.cfg.Push, m.policy, m.agent, m.base)
		if err != nil {
			e.failed(err.Error(), now)
			e.set(StateFailed, err.Error(), now)
			m.logger.Error("cannot start push connection", "registration", r.ID, "err", err)
			return
		}
		s.OnCycle = func() { m.update(t, func(e *Entry) { e.set(StateConnecting, "", m.now()) }) }
		s.OnUpload = func() { m.update(t, func(e *Entry) { e.set(StateActive, "", m.now()) }) }
		s.OnResult = func(res push.Result) { m.onPushResult(t, res) }
		s.OnRetry = func(wait time.Duration) {
			m.update(t, func(e *Entry) {
				if e.State == StateFailed {
					e.set(StateIdle, "retrying in "+wait.String(), m.now())
				}
			})
		}
		done := make(chan struct{})
		t.done = done
		go func() {
			defer close(done)
			_ = s.Run(ctx)
		}()
		m.logger.Info("push connection started", "registration", r.ID, "address", r.Address)

	case registry.ModePull:
		// Pull connections live on the shared listener. The entry turns
		// active once syncListener has routed it.
		m.logger.Info("pull connection registered", "registration", r.ID, "uuid", r.UUID)
	}
}

// releaseLocked withdraws id's pull route. The returned channel closes once
// the route's open relays have exited. m.mu must be held.
func (m *Manager) releaseLocked(id string) <-chan struct{} {
	if m.listener == nil {
		return closedChan()
	}
	return m.listener.Release(id)
}

// stopTasks cancels tasks and waits for them up to the grace period
func (m *Manager) stopTasks(tasks []*task) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		t.cancel()
	}
	timer := time.NewTimer(m.cfg.ShutdownGrace)
	defer timer.Stop()
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-timer.C:
			m.logger.Error("connection did not stop in time", "registration", t.reg.ID, "grace", m.cfg.ShutdownGrace, "err", ErrShutdownTimeout)
			return fmt.Errorf("%w: %s", ErrShutdownTimeout, t.reg.ID)
		}
	}
	return nil
}

// update applies fn to t's entry if t still owns its registration
func (m *Manager) update(t *task, fn func(*Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[t.reg.ID] != t {
		return false
	}
	e := m.entries[t.reg.ID]
	fn(e)
	if m.observe != nil {
		m.observe(e.clone())
	}
	return true
}

func (m *Manager) onPushResult(t *task, res push.Result) {
	ok := m.update(t, func(e *Entry) {
		if res.Err != nil {
			e.failed(res.Err.Error(), res.At)
			e.set(StateFailed, res.Err.Error(), res.At)
		} else {
			e.succeeded(res.At)
			e.set(StateIdle, "", res.At)
		}
	})
	if !ok {
		return
	}
	ev := journal.Event{RegistrationID: res.RegistrationID, Kind: journal.KindPush, Success: res.Err == nil, Bytes: int64(res.Bytes), At: res.At}
	if res.Err != nil {
		ev.Detail = res.Err.Error()
	}
	m.record(ev)
}

func (m *Manager) onPullEvent(ev pull.Event) {
	if ev.RegistrationID == "" {
		return
	}
	m.mu.Lock()
	t, ok := m.tasks[ev.RegistrationID]
	m.mu.Unlock()
	if !ok {
		return
	}
	// Per-connection outcomes are history only; the entry stays active
	// while its route is served.
	ok = m.update(t, func(e *Entry) {
		if ev.Outcome == pull.OutcomeRelayed {
			e.succeeded(ev.At)
		} else {
			reason := string(ev.Outcome)
			if ev.Err != nil {
				reason = ev.Err.Error()
			}
			e.failed(reason, ev.At)
		}
	})
	if !ok {
		return
	}
	je := journal.Event{RegistrationID: ev.RegistrationID, Kind: journal.KindPull, Success: ev.Outcome == pull.OutcomeRelayed, Bytes: ev.Bytes, At: ev.At, Detail: string(ev.Outcome)}
	if ev.Err != nil {
		je.Detail = ev.Err.Error()
	}
	m.record(je)
}

func (m *Manager) record(ev journal.Event) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.recorder.Record(ctx, ev); err != nil {
		m.logger.Warn("journal write failed", "registration", ev.RegistrationID, "err", err)
	}
}

func (m *Manager) forget(id string) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.recorder.Forget(ctx, id); err != nil {
		m.logger.Warn("journal cleanup failed", "registration", id, "err", err)
	}
}

// syncListener runs the shared pull listener while pull registrations
// exist and points its routes at them
func (m *Manager) syncListener(pulls []registry.Registration) {
	if len(pulls) == 0 {
		m.stopListener()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if m.listener == nil {
		l := pull.New(m.cfg.Pull, m.policy, m.agent, m.base)
		l.OnEvent = m.onPullEvent
		if err := l.Listen(); err != nil {
			m.logger.Error("pull listener unavailable", "err", err)
			for _, r := range pulls {
				if e, ok := m.entries[r.ID]; ok {
					e.set(StateFailed, err.Error(), now)
				}
			}
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := l.Serve(ctx); err != nil {
				m.logger.Error("pull listener stopped", "err", err)
			}
		}()
		m.listener, m.lnCancel, m.lnDone = l, cancel, done
	}

	errs := m.listener.SetRoutes(pulls)
	listening := "listening on " + m.listener.Addr().String()
	for _, r := range pulls {
		e, ok := m.entries[r.ID]
		if !ok {
			continue
		}
		if err, bad := errs[r.ID]; bad {
			if e.State != StateFailed {
				m.logger.Error("pull registration unusable", "registration", r.ID, "err", err)
			}
			e.set(StateFailed, err.Error(), now)
			continue
		}
		e.set(StateActive, listening, now)
	}
}

// stopListener closes the pull listener and waits for its connections.
// Connection callbacks take m.mu, so it must not be held here.
func (m *Manager) stopListener() {
	m.mu.Lock()
	l, cancel, done := m.listener, m.lnCancel, m.lnDone
	m.listener, m.lnCancel, m.lnDone = nil, nil, nil
	m.mu.Unlock()

	if l == nil {
		return
	}
	cancel()
	_ = l.Close()
	<-done
	m.logger.Info("pull listener closed")
}
