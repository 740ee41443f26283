package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gurisko/agentctl/internal/registry"
)

// registryDebounce absorbs the burst of events one atomic save produces
const registryDebounce = 100 * time.Millisecond

// Run reconciles once, then follows the registry until ctx is cancelled.
// Changes are picked up from filesystem notifications, Nudge and a
// periodic rescan. A corrupt registry stops every connection and is
// returned. On cancellation every task is stopped within the shutdown
// grace period; a task that overruns it yields ErrShutdownTimeout.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Reconcile(ctx); err != nil {
		return err
	}

	changes, stopWatch := m.watch()
	defer stopWatch()

	rescan := time.NewTicker(m.cfg.RescanInterval)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.shutdown()
		case <-changes:
		case <-m.nudge:
		case <-rescan.C:
			m.prune()
		}
		if err := m.Reconcile(ctx); err != nil {
			if errors.Is(err, registry.ErrCorrupt) {
				m.logger.Error("registry is corrupt, stopping all connections", "err", err)
				_ = m.shutdown()
				return err
			}
			m.logger.Warn("reconcile failed", "err", err)
		}
	}
}

// watch notifies on changes to the registry file. The directory is
// watched rather than the file because saves replace it by rename.
func (m *Manager) watch() (<-chan struct{}, func()) {
	changes := make(chan struct{}, 1)
	path := m.store.Path()
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		m.logger.Warn("cannot watch registry, relying on rescan", "err", err)
		return changes, func() {}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("cannot watch registry, relying on rescan", "err", err)
		return changes, func() {}
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		m.logger.Warn("cannot watch registry, relying on rescan", "dir", dir, "err", err)
		return changes, func() {}
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
		done    = make(chan struct{})
		exited  = make(chan struct{})
	)
	notify := func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}

	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				m.logger.Debug("registry changed", "op", ev.Op.String())
				timerMu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(registryDebounce, notify)
				timerMu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("registry watcher error", "err", err)
			}
		}
	}()

	return changes, func() {
		close(done)
		watcher.Close()
		<-exited
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}
}

func (m *Manager) prune() {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := m.recorder.Prune(ctx, m.cfg.JournalKeep); err != nil {
		m.logger.Warn("journal prune failed", "err", err)
	}
}

// shutdown stops every task and the pull listener and closes the manager
// to further reconciles. Entries stay in place, marked stopped, for a final
// status query.
func (m *Manager) shutdown() error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	m.logger.Info("stopping all connections")
	now := m.now()

	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for id, t := range m.tasks {
		tasks = append(tasks, t)
		m.entries[id].set(StateStopped, "shutting down", now)
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	m.stopListener()
	return m.stopTasks(tasks)
}
