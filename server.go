package milter

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// MaxServerProtocolVersion is the maximum Milter protocol version implemented by the server.
const MaxServerProtocolVersion uint32 = 6

// ErrServerClosed is returned by the [Server]'s [Server.Serve] method after a call to [Server.Close].
var ErrServerClosed = errors.New("milter: server closed")

// Host is the abstract host-facing API of spec.md §6.2: the content-scanning
// daemon embedding this core. Finish is invoked once a message's BODYEOB
// frame has been fully processed (the session's envelope and message are
// ready for Session.ToRequest); Error is invoked once per session on any
// fatal protocol, I/O or timeout error (spec.md §7).
//
// Both callbacks run on the session's own driver goroutine: the host must
// not block for long inside them, and any work it does beyond the callback
// boundary must first call Session.Retain.
type Host interface {
	Finish(s *Session)
	Error(s *Session, err error)
}

// NoOpHost is a Host implementation that does nothing; useful as an embed
// for hosts that only need one of the two callbacks.
type NoOpHost struct{}

func (NoOpHost) Finish(*Session)       {}
func (NoOpHost) Error(*Session, error) {}

var _ Host = NoOpHost{}

// Server is a milter server: C6's listener-facing half. One Server can back
// multiple listeners (Serve can be called more than once).
type Server struct {
	options        options
	host           Host
	listeners      map[*net.Listener]struct{}
	listenerGroup  sync.WaitGroup
	activeSessions map[*Session]struct{}
	mu             sync.Mutex
	inShutdown     atomic.Bool
	sessionCount   atomic.Uint64
}

// NewServer creates a new milter server bound to host. Use Option values to
// configure negotiated actions/protocol, timeouts, spam_header and
// discard_on_reject.
//
// This function will panic when you provide invalid options.
func NewServer(host Host, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if host == nil {
		panic("milter: NewServer requires a non-nil Host")
	}
	if o.maxVersion > MaxServerProtocolVersion || o.maxVersion < ProtoMin {
		panic("milter: this library cannot handle this milter version")
	}
	if o.offeredMaxData > 0 {
		panic("milter: WithOfferedMaxData is a client only option")
	}
	return &Server{options: *o, host: host}
}

// onceCloseListener wraps a net.Listener, protecting it from multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() { oc.closeErr = oc.Listener.Close() }

// Serve accepts connections on ln until the server is closed or shut down.
// You can call this function multiple times to serve on multiple listeners.
// It returns ErrServerClosed when the server is closed.
func (s *Server) Serve(ln net.Listener) error {
	localLn := &onceCloseListener{Listener: ln}
	if !s.trackListener(localLn, true) {
		return ErrServerClosed
	}
	defer s.trackListener(localLn, false)

	for {
		conn, err := localLn.Accept()
		if err != nil {
			if s.shuttingDown() {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// ListenAndServe is a thin convenience wrapper: it builds a net.Listener for
// network ("tcp" or "unix") and addr and calls Serve. It does not manage
// supervision, pidfiles, or forking — those remain out of scope (spec.md §1).
func (s *Server) ListenAndServe(network, addr string) error {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) serveConn(conn net.Conn) {
	session := newSession(s, conn)
	session.id = s.sessionCount.Add(1)
	if !s.trackSession(session, true) {
		_ = conn.Close()
		return
	}
	session.run()
	s.trackSession(session, false)
}

// SessionCount returns the number of sessions this server has accepted in
// total. Use this for logging/metrics purposes.
func (s *Server) SessionCount() uint64 {
	return s.sessionCount.Load()
}

// closeListenersLocked closes all listeners.
func (s *Server) closeListenersLocked() error {
	var errs []error
	for ln := range s.listeners {
		errs = append(errs, (*ln).Close())
	}
	s.listeners = nil
	return errors.Join(errs...)
}

// closeActiveSessionsLocked forcefully closes all net.Conn objects of active sessions.
func (s *Server) closeActiveSessionsLocked() {
	for sess := range s.activeSessions {
		sess.closeConn()
	}
	s.activeSessions = nil
}

// Close closes the server and all its listeners, then forcefully drops all
// active sessions.
func (s *Server) Close() error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	err := s.closeListenersLocked()
	s.mu.Unlock()
	s.listenerGroup.Wait()
	s.mu.Lock()
	s.closeActiveSessionsLocked()
	s.mu.Unlock()
	return err
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

const shutdownPollIntervalMax = 500 * time.Millisecond

// Shutdown stops the server gracefully: listeners close immediately, but
// sessions already in flight are allowed to end on their own until ctx is
// done, after which their connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	s.mu.Unlock()
	s.listenerGroup.Wait()

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		interval := pollIntervalBase + time.Duration(rand.Intn(int(pollIntervalBase/10+1)))
		pollIntervalBase *= 2
		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}
		return interval
	}

	timer := time.NewTimer(nextPollInterval())
	defer timer.Stop()
	for {
		s.mu.Lock()
		activeCount := len(s.activeSessions)
		s.mu.Unlock()
		if activeCount == 0 {
			return lnerr
		}
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closeActiveSessionsLocked()
			s.mu.Unlock()
			return ctx.Err()
		case <-timer.C:
			timer.Reset(nextPollInterval())
		}
	}
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[&ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, &ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) trackSession(c *Session, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSessions == nil {
		s.activeSessions = make(map[*Session]struct{})
	}
	if add {
		if s.shuttingDown() {
			return false
		}
		s.activeSessions[c] = struct{}{}
	} else {
		delete(s.activeSessions, c)
	}
	return true
}
