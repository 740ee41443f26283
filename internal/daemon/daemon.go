//go:build unix

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gurisko/agentctl/internal/agentsock"
	"github.com/gurisko/agentctl/internal/apiclient"
	"github.com/gurisko/agentctl/internal/config"
	"github.com/gurisko/agentctl/internal/journal"
	"github.com/gurisko/agentctl/internal/manager"
	"github.com/gurisko/agentctl/internal/registry"
	"github.com/gurisko/agentctl/internal/trust"
)

var (
	// ErrAlreadyRunning indicates another daemon owns the PID file
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrNotRunning indicates there is no daemon to stop
	ErrNotRunning = errors.New("daemon not running")
)

const healthTimeout = 2 * time.Second

// ensureParentDir ensures the parent directory of the given path exists with secure permissions
func ensureParentDir(path string) error {
	dir := filepath.Dir(path)

	// Create directory with 0700 permissions (owner only)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Ensure directory has correct permissions (best effort)
	_ = os.Chmod(dir, 0o700)

	return nil
}

// removeSocketIfExists removes the socket file if it exists and is actually a socket
func removeSocketIfExists(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if fi.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}

	return fmt.Errorf("refusing to remove non-socket path: %s", path)
}

// Daemon serves the control API and runs the connection manager
type Daemon struct {
	cfg        *config.Config
	socketPath string
	pidFile    string
	listener   net.Listener
	server     *http.Server
	client     *apiclient.Client
	base       *slog.Logger // unscoped, for components that tag their own lines
	logger     *slog.Logger

	manager *manager.Manager
	journal *journal.Journal

	startTime time.Time
}

func New(cfg *config.Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:        cfg,
		socketPath: cfg.ControlSocket,
		pidFile:    cfg.PIDFile,
		client:     apiclient.New(cfg.ControlSocket),
		base:       logger,
		logger:     logger.With("component", "daemon"),
		startTime:  time.Now().UTC(),
	}
}

// prepare opens the journal and assembles the connection manager
func (d *Daemon) prepare() error {
	j, err := journal.Open(d.cfg.JournalPath())
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	d.journal = j
	d.manager = manager.New(
		registry.NewStore(d.cfg.RegistryPath()),
		agentsock.New(d.cfg.AgentSocket, d.cfg.Socket.Timeout),
		trust.NewPolicy(),
		j,
		d.cfg.ManagerConfig(),
		d.base,
	)
	return nil
}

// Start runs the daemon in the foreground until ctx is cancelled, a
// termination signal arrives or the manager gives up on a corrupt
// registry. The last case is returned as an error.
func (d *Daemon) Start(ctx context.Context) error {
	if d.IsRunning() {
		pid, _ := d.readPIDFile()
		return fmt.Errorf("%w (PID: %d)", ErrAlreadyRunning, pid)
	}
	if err := d.prepare(); err != nil {
		return err
	}
	defer d.journal.Close()

	return d.startForeground(ctx)
}

func (d *Daemon) startForeground(ctx context.Context) error {
	// Ensure parent directory exists with secure permissions
	if err := ensureParentDir(d.socketPath); err != nil {
		return fmt.Errorf("failed to prepare socket directory: %w", err)
	}

	// Remove any existing socket (but only if it's actually a socket)
	if err := removeSocketIfExists(d.socketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	d.listener = listener

	// Set socket permissions (owner only)
	if err := os.Chmod(d.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	if err := d.writePIDFile(); err != nil {
		listener.Close()
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	mux := http.NewServeMux()
	d.setupRoutes(mux)

	d.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return context.Background() },
	}

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stopSignals()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	managerErr := make(chan error, 1)
	go func() {
		managerErr <- d.manager.Run(runCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- d.server.Serve(listener)
	}()

	d.logger.Info("daemon started",
		"pid", os.Getpid(),
		"socket", d.socketPath,
		"state_dir", d.cfg.StateDir,
		"pull_listen", d.cfg.Pull.ListenAddr,
		"allowed_ips", d.cfg.Allowlist().String())

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutting down", "reason", context.Cause(ctx))
		runErr = <-managerErr
	case err := <-managerErr:
		runErr = err
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("control server failed", "err", err)
		}
		cancelRun()
		runErr = <-managerErr
	}

	d.shutdown()
	if runErr != nil {
		d.logger.Error("daemon stopped", "err", runErr)
		return runErr
	}
	d.logger.Info("daemon stopped")
	return nil
}

// Stop signals the running daemon and waits for it to exit
func (d *Daemon) Stop() error {
	pid, err := d.readPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotRunning
		}
		return fmt.Errorf("failed reading pidfile: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	// Connections get the shutdown grace, the control server a little more
	deadline := time.Now().Add(d.cfg.Shutdown.Grace + 5*time.Second)
	for time.Now().Before(deadline) {
		if !d.IsRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("daemon did not stop gracefully")
}

func (d *Daemon) GetStatus() (*StatusInfo, error) {
	info := &StatusInfo{
		SocketPath: d.socketPath,
	}

	pid, err := d.readPIDFile()
	if err != nil {
		// No PID file
		return info, nil
	}

	info.PID = pid

	if !isProcessAlive(pid) {
		// Stale PID file
		return info, nil
	}

	// The health endpoint confirms identity in case the PID was reused
	health, err := d.getHealth()
	if err != nil {
		info.ErrorMessage = err.Error()
		return info, nil
	}

	info.Running = true
	info.Uptime = time.Duration(health.Uptime * float64(time.Second))
	return info, nil
}

func (d *Daemon) IsRunning() bool {
	pid, err := d.readPIDFile()
	if err != nil {
		return false
	}

	if !isProcessAlive(pid) {
		return false
	}

	// Verify daemon identity by checking if it responds on socket
	// This protects against PID reuse
	if _, err := d.getHealth(); err != nil {
		return false
	}

	return true
}

func (d *Daemon) shutdown() {
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Warn("control server shutdown error", "err", err)
		}
	}

	if d.listener != nil {
		d.listener.Close()
	}

	_ = removeSocketIfExists(d.socketPath)
	_ = os.Remove(d.pidFile)
}

func (d *Daemon) writePIDFile() error {
	pid := os.Getpid()

	if err := ensureParentDir(d.pidFile); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	// Try to create PID file atomically with O_EXCL
	for {
		f, err := os.OpenFile(d.pidFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			defer f.Close()
			_, err = f.WriteString(strconv.Itoa(pid))
			return err
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}
		// File exists, check if process is still alive
		if oldPID, err2 := d.readPIDFile(); err2 == nil && isProcessAlive(oldPID) {
			return fmt.Errorf("%w (PID: %d)", ErrAlreadyRunning, oldPID)
		}
		// Stale PID file; remove and retry
		if err := os.Remove(d.pidFile); err != nil {
			return fmt.Errorf("stale pidfile exists and cannot remove: %w", err)
		}
	}
}

// isProcessAlive checks if a process with the given PID is alive
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Send signal 0 to check if process is alive
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

func (d *Daemon) readPIDFile() (int, error) {
	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(data)))
}

type HealthResponse struct {
	Status string  `json:"status"`
	PID    int     `json:"pid"`
	Uptime float64 `json:"uptime"`
}

type StatusInfo struct {
	Running      bool
	PID          int
	SocketPath   string
	Uptime       time.Duration
	ErrorMessage string // For when process exists but not responding
}

func (d *Daemon) getHealth() (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	var health HealthResponse
	if err := d.client.GetJSON(ctx, "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}
