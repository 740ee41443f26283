// Package push delivers agent snapshots to remote monitoring sites on a
// fixed schedule. Each push registration gets its own Scheduler goroutine.
package push

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gurisko/agentctl/internal/agentsock"
	"github.com/gurisko/agentctl/internal/registry"
	"github.com/gurisko/agentctl/internal/trust"
)

var (
	// ErrDial indicates the site could not be reached or the TLS
	// handshake failed for a reason other than trust
	ErrDial = errors.New("dial failed")
	// ErrUploadTimeout indicates the site stopped accepting data
	ErrUploadTimeout = errors.New("upload timed out")
)

const (
	DefaultInterval      = 60 * time.Second
	DefaultMaxBackoff    = 15 * time.Minute
	DefaultDialTimeout   = 10 * time.Second
	DefaultUploadTimeout = 60 * time.Second
)

// Agent reads one complete snapshot from the local agent
type Agent interface {
	ReadSnapshot(ctx context.Context, readTimeout time.Duration) ([]byte, error)
}

// Config holds scheduling and timeout settings shared by all push
// registrations
type Config struct {
	Interval      time.Duration
	MaxBackoff    time.Duration
	DialTimeout   time.Duration
	UploadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
	return c
}

// Result describes one finished cycle
type Result struct {
	RegistrationID string
	Bytes          int
	Err            error
	Failures       int           // consecutive failures including this one
	Next           time.Duration // wait before the next cycle
	At             time.Time
}

// Scheduler pushes snapshots for one registration
type Scheduler struct {
	reg    registry.Registration
	cfg    Config
	agent  Agent
	tls    *tls.Config
	logger *slog.Logger

	// OnCycle, if set, is called as each cycle begins
	OnCycle func()
	// OnUpload, if set, is called once the site has accepted the TLS
	// handshake and the snapshot transfer begins
	OnUpload func()
	// OnResult, if set, is called after every cycle from the scheduler's
	// goroutine
	OnResult func(Result)
	// OnRetry, if set, is called after a failed cycle once the retry is
	// scheduled, with the wait before it
	OnRetry func(wait time.Duration)
}

// New prepares a scheduler. It fails only if the registration's identity
// cannot be loaded.
func New(reg registry.Registration, cfg Config, policy *trust.Policy, agent Agent, logger *slog.Logger) (*Scheduler, error) {
	if reg.Mode != registry.ModePush {
		return nil, fmt.Errorf("%s: not a push registration", reg.ID)
	}
	host, _, err := net.SplitHostPort(reg.Address)
	if err != nil {
		return nil, fmt.Errorf("%s: address %q: %w", reg.ID, reg.Address, err)
	}
	tlsCfg, err := policy.ClientConfig(&reg, host)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", reg.ID, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reg:    reg,
		cfg:    cfg.withDefaults(),
		agent:  agent,
		tls:    tlsCfg,
		logger: logger.With("component", "push", "registration", reg.ID),
	}, nil
}

// Run executes cycles until ctx is cancelled. The first cycle starts one
// interval after Run is called. Cycle failures never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("push scheduler started", "address", s.reg.Address, "interval", s.cfg.Interval)
	defer s.logger.Info("push scheduler stopped")

	failures := 0
	delay := s.cfg.Interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if s.OnCycle != nil {
			s.OnCycle()
		}
		n, err := s.Cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			failures++
		} else {
			failures = 0
		}
		delay = Backoff(s.cfg.Interval, s.cfg.MaxBackoff, failures)

		if err != nil {
			s.logger.Warn("push cycle failed", "failures", failures, "retry_in", delay, "err", err)
		} else {
			s.logger.Debug("snapshot pushed", "bytes", n)
		}
		if s.OnResult != nil {
			s.OnResult(Result{
				RegistrationID: s.reg.ID,
				Bytes:          n,
				Err:            err,
				Failures:       failures,
				Next:           delay,
				At:             time.Now().UTC(),
			})
		}
		if err != nil && s.OnRetry != nil {
			s.OnRetry(delay)
		}
		timer.Reset(delay)
	}
}

// Cycle performs one connect, read, upload, close sequence
func (s *Scheduler) Cycle(ctx context.Context) (int, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if s.OnUpload != nil {
		s.OnUpload()
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	data, err := s.agent.ReadSnapshot(ctx, s.cfg.UploadTimeout)
	if err != nil {
		if errors.Is(err, agentsock.ErrUnavailable) {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.DialTimeout))
			_, _ = conn.Write(agentsock.Banner(agentsock.Reason(err)))
		}
		return 0, err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.UploadTimeout)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDial, err)
	}
	n, err := conn.Write(data)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, fmt.Errorf("%w after %d of %d bytes", ErrUploadTimeout, n, len(data))
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, fmt.Errorf("upload to %s: %w", s.reg.Address, err)
	}
	if err := conn.CloseWrite(); err != nil {
		return n, fmt.Errorf("upload to %s: %w", s.reg.Address, err)
	}
	return n, nil
}

func (s *Scheduler) dial(ctx context.Context) (*tls.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(dctx, "tcp", s.reg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDial, s.reg.Address, err)
	}
	conn := tls.Client(raw, s.tls)
	if err := conn.HandshakeContext(dctx); err != nil {
		_ = raw.Close()
		if trust.IsRejection(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: handshake: %w", ErrDial, s.reg.Address, err)
	}
	return conn, nil
}
