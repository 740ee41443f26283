// Package agenttest runs a stand-in monitoring agent on a unix socket.
// Each accepted connection receives the configured output and is closed.
package agenttest

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Server is a fake agent endpoint
type Server struct {
	Path string

	listener net.Listener
	output   atomic.Value
	pace     atomic.Int64
	served   atomic.Int64
	wg       sync.WaitGroup
}

// SocketPath returns a socket location short enough for sun_path limits
// inside a directory removed when the test ends.
func SocketPath(tb testing.TB) string {
	tb.Helper()
	dir, err := os.MkdirTemp("", "actl")
	if err != nil {
		tb.Fatalf("agenttest: temp dir: %v", err)
	}
	tb.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "agent.socket")
}

// NewServer listens at a fresh socket path and serves output
func NewServer(tb testing.TB, output string) *Server {
	tb.Helper()
	return Listen(tb, SocketPath(tb), output)
}

// Listen serves output at path. The server is closed at test cleanup.
func Listen(tb testing.TB, path, output string) *Server {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		tb.Fatalf("agenttest: mkdir: %v", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		tb.Fatalf("agenttest: listen: %v", err)
	}
	s := &Server{Path: path, listener: ln}
	s.output.Store(output)

	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// SetOutput changes what later connections receive
func (s *Server) SetOutput(output string) { s.output.Store(output) }

// SetPace makes later connections trickle their output one byte per
// interval, as a slow agent would. Zero restores a single write.
func (s *Server) SetPace(interval time.Duration) { s.pace.Store(int64(interval)) }

// Served counts connections handled so far
func (s *Server) Served() int64 { return s.served.Load() }

// Close stops accepting and removes the socket
func (s *Server) Close() {
	_ = s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.Path)
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.served.Add(1)
		out := s.output.Load().(string)
		pace := time.Duration(s.pace.Load())
		go func() {
			defer conn.Close()
			if pace <= 0 {
				_, _ = conn.Write([]byte(out))
				return
			}
			for i := 0; i < len(out); i++ {
				if _, err := conn.Write([]byte{out[i]}); err != nil {
					return
				}
				time.Sleep(pace)
			}
		}()
	}
}
