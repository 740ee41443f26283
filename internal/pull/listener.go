// Package pull serves agent snapshots to remote monitoring sites that
// connect to this host. One TLS listener is shared by every pull
// registration; the site selects its registration with the TLS server name.
package pull

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gurisko/agentctl/internal/agentsock"
	"github.com/gurisko/agentctl/internal/netutil"
	"github.com/gurisko/agentctl/internal/registry"
	"github.com/gurisko/agentctl/internal/trust"
)

// ErrUnknownRegistration indicates the site asked for a registration that
// is not configured for pull
var ErrUnknownRegistration = errors.New("no pull registration for server name")

const (
	DefaultListenAddr       = ":8000"
	DefaultMaxConnections   = 3
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRelayTimeout     = 60 * time.Second
)

// Agent opens a fresh connection to the local agent
type Agent interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// Config holds listener settings
type Config struct {
	ListenAddr       string
	Allowlist        netutil.Allowlist
	MaxConnections   int
	HandshakeTimeout time.Duration
	RelayTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = DefaultRelayTimeout
	}
	return c
}

type route struct {
	reg  registry.Registration
	tls  *tls.Config
	sess *session
}

// sameRoute reports whether b can keep serving on a's TLS config
func sameRoute(a, b registry.Registration) bool {
	return a.ID == b.ID &&
		a.UUID == b.UUID &&
		a.Identity == b.Identity &&
		a.TrustAnchor == b.TrustAnchor &&
		a.PeerName == b.PeerName
}

// Listener accepts pull connections and relays agent output to them
type Listener struct {
	cfg    Config
	policy *trust.Policy
	agent  Agent
	logger *slog.Logger

	// OnEvent, if set, is called once per finished connection. It must not
	// block.
	OnEvent func(Event)

	mu     sync.RWMutex
	routes map[string]route // by registration UUID

	lnMu    sync.Mutex
	ln      net.Listener
	closing bool
	active  map[net.Conn]struct{}

	slots chan struct{}
	wg    sync.WaitGroup
	stats counters
}

// New creates a listener. Call Listen, then Serve.
func New(cfg Config, policy *trust.Policy, agent Agent, logger *slog.Logger) *Listener {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:    cfg,
		policy: policy,
		agent:  agent,
		logger: logger.With("component", "pull"),
		routes: make(map[string]route),
		active: make(map[net.Conn]struct{}),
		slots:  make(chan struct{}, cfg.MaxConnections),
	}
}

// SetRoutes replaces the routing table with the given pull registrations.
// Registrations whose identity cannot be loaded are skipped and returned,
// keyed by registration ID. Unchanged routes keep their open connections;
// connections on a dropped or changed route are cancelled.
func (l *Listener) SetRoutes(regs []registry.Registration) map[string]error {
	l.mu.Lock()
	current := l.routes
	routes := make(map[string]route, len(regs))
	var errs map[string]error
	for _, reg := range regs {
		if reg.Mode != registry.ModePull {
			continue
		}
		if r, ok := current[reg.UUID]; ok && sameRoute(r.reg, reg) {
			r.reg = reg
			routes[reg.UUID] = r
			continue
		}
		cfg, err := l.policy.ServerConfig(&reg)
		if err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[reg.ID] = err
			continue
		}
		routes[reg.UUID] = route{reg: reg, tls: cfg, sess: newSession()}
	}

	var dropped []*session
	for uuid, r := range current {
		if kept, ok := routes[uuid]; !ok || kept.sess != r.sess {
			dropped = append(dropped, r.sess)
		}
	}
	l.routes = routes
	l.mu.Unlock()

	for _, sess := range dropped {
		sess.end()
	}
	return errs
}

// Release withdraws the route of one registration and cancels its open
// connections. The returned channel is closed once they have exited; it is
// closed immediately when id has no route.
func (l *Listener) Release(id string) <-chan struct{} {
	l.mu.Lock()
	var sess *session
	for uuid, r := range l.routes {
		if r.reg.ID == id {
			sess = r.sess
			delete(l.routes, uuid)
			break
		}
	}
	l.mu.Unlock()

	if sess == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	l.logger.Debug("route released", "registration", id)
	return sess.end()
}

// Routes returns the number of registrations currently served
func (l *Listener) Routes() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.routes)
}

func (l *Listener) lookup(serverName string) (route, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.routes[serverName]; ok {
		return r, true
	}
	if serverName == "" && len(l.routes) == 1 {
		for _, r := range l.routes {
			return r, true
		}
	}
	return route{}, false
}

// Listen binds the configured address
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("pull listen %s: %w", l.cfg.ListenAddr, err)
	}
	l.lnMu.Lock()
	l.ln = ln
	l.lnMu.Unlock()
	l.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen
func (l *Listener) Addr() net.Addr {
	l.lnMu.Lock()
	defer l.lnMu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stats returns a copy of the connection counters
func (l *Listener) Stats() Stats { return l.stats.snapshot() }

// Serve accepts connections until ctx is cancelled or Close is called.
// It returns nil on orderly shutdown.
func (l *Listener) Serve(ctx context.Context) error {
	l.lnMu.Lock()
	ln := l.ln
	l.lnMu.Unlock()
	if ln == nil {
		return errors.New("pull: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosing() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				l.logger.Warn("accept failed, retrying", "delay", tempDelay, "err", err)
				select {
				case <-time.After(tempDelay):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			return fmt.Errorf("pull accept: %w", err)
		}
		tempDelay = 0
		l.stats.accepted.Add(1)

		if !l.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer l.wg.Done()
			defer l.untrack(conn)
			l.handle(ctx, conn)
		}()
	}
}

// Close stops accepting, closes every open connection and waits for the
// connection goroutines to exit.
func (l *Listener) Close() error {
	l.lnMu.Lock()
	if l.closing {
		l.lnMu.Unlock()
		l.wg.Wait()
		return nil
	}
	l.closing = true
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for c := range l.active {
		_ = c.Close()
	}
	l.lnMu.Unlock()

	l.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (l *Listener) isClosing() bool {
	l.lnMu.Lock()
	defer l.lnMu.Unlock()
	return l.closing
}

func (l *Listener) track(c net.Conn) bool {
	l.lnMu.Lock()
	defer l.lnMu.Unlock()
	if l.closing {
		return false
	}
	l.active[c] = struct{}{}
	l.wg.Add(1)
	return true
}

func (l *Listener) untrack(c net.Conn) {
	l.lnMu.Lock()
	delete(l.active, c)
	l.lnMu.Unlock()
}

func (l *Listener) emit(ev Event) {
	ev.At = time.Now().UTC()
	if l.OnEvent != nil {
		l.OnEvent(ev)
	}
}

// handle owns raw and closes it on every path
func (l *Listener) handle(ctx context.Context, raw net.Conn) {
	defer raw.Close()
	remote := raw.RemoteAddr().String()
	log := l.logger.With("remote", remote)

	if !l.cfg.Allowlist.Allows(raw.RemoteAddr()) {
		l.stats.refused.Add(1)
		log.Warn("connection refused by IP allowlist")
		l.emit(Event{Outcome: OutcomeRefused, Remote: remote, Err: errors.New("address not in allowlist")})
		return
	}

	select {
	case l.slots <- struct{}{}:
		defer func() { <-l.slots }()
	default:
		l.stats.refused.Add(1)
		log.Warn("connection refused, too many concurrent pulls", "max", l.cfg.MaxConnections)
		l.emit(Event{Outcome: OutcomeRefused, Remote: remote, Err: errors.New("connection limit reached")})
		return
	}

	var selected route
	conn := tls.Server(raw, &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			r, ok := l.lookup(hello.ServerName)
			if !ok {
				return nil, fmt.Errorf("%w %q", ErrUnknownRegistration, hello.ServerName)
			}
			selected = r
			return r.tls, nil
		},
	})
	defer conn.Close()

	hctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	err := conn.HandshakeContext(hctx)
	cancel()
	id := selected.reg.ID
	if err != nil {
		if trust.IsRejection(err) || errors.Is(err, ErrUnknownRegistration) {
			l.stats.rejected.Add(1)
			log.Warn("peer rejected", "registration", id, "err", err)
			l.emit(Event{RegistrationID: id, Outcome: OutcomeRejected, Remote: remote, Err: err})
			return
		}
		l.stats.failed.Add(1)
		log.Info("handshake failed", "registration", id, "err", err)
		l.emit(Event{RegistrationID: id, Outcome: OutcomeFailed, Remote: remote, Err: err})
		return
	}
	log = log.With("registration", id)

	if !selected.sess.join() {
		err := fmt.Errorf("%w: registration %s withdrawn", ErrUnknownRegistration, id)
		l.stats.rejected.Add(1)
		log.Info("registration withdrawn during handshake")
		l.emit(Event{RegistrationID: id, Outcome: OutcomeRejected, Remote: remote, Err: err})
		return
	}
	defer selected.sess.leave()
	ctx, release := selected.sess.bind(ctx)
	defer release()

	local, err := l.agent.Dial(ctx)
	if err != nil {
		l.stats.agentUnavailable.Add(1)
		reason := agentsock.Reason(err)
		log.Warn("agent socket unavailable, sending error banner", "reason", reason)
		_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
		if _, werr := conn.Write(agentsock.Banner(reason)); werr == nil {
			_ = conn.CloseWrite()
		}
		l.emit(Event{RegistrationID: id, Outcome: OutcomeAgentUnavailable, Remote: remote, Err: err})
		return
	}
	defer local.Close()

	n, err := netutil.Relay(ctx, conn, local, l.cfg.RelayTimeout)
	if err != nil {
		l.stats.failed.Add(1)
		switch {
		case selected.sess.ctx.Err() != nil:
			log.Info("relay cancelled, registration withdrawn", "bytes", n)
		case netutil.IsExpectedCloseError(err):
			log.Info("site closed the connection mid-snapshot", "bytes", n, "err", err)
		default:
			log.Warn("relay failed", "bytes", n, "err", err)
		}
		l.emit(Event{RegistrationID: id, Outcome: OutcomeFailed, Remote: remote, Bytes: n, Err: err})
		return
	}
	l.stats.relayed.Add(1)
	log.Debug("snapshot relayed", "bytes", n)
	l.emit(Event{RegistrationID: id, Outcome: OutcomeRelayed, Remote: remote, Bytes: n})
}
