package milter

import (
	"errors"
	"time"

	"github.com/rspamd/go-milterd/internal/wire"
)

// run is C6: the per-session driver loop. It owns the connState machine
// described in spec.md §4.3 and is the idiomatic-Go rendering of the spec's
// arm(socket, interest, timeout)/on_ready(events) event loop — see
// SPEC_FULL.md §6 for why a goroutine doing blocking reads/writes under
// deadlines stands in for a hand-rolled reactor here. run owns the Session's
// initial reference and always releases it exactly once on return.
func (s *Session) run() {
	defer s.Release()

	readTimeout := s.server.options.readTimeout
	writeTimeout := s.server.options.writeTimeout
	negTimeout := s.server.options.negotiationTimeout
	if negTimeout == 0 {
		negTimeout = readTimeout
	}

	LogInfo("milter: session %d: accepted connection", s.id)

	buf := make([]byte, 64*1024)

	for {
		switch s.state {
		case stateReadMore:
			conn := s.getConn()
			if conn == nil {
				return
			}
			deadline := readTimeout
			if !s.negotiated {
				deadline = negTimeout
			}
			if deadline != 0 {
				_ = conn.SetReadDeadline(time.Now().Add(deadline))
			}
			n, err := conn.Read(buf)
			if n > 0 {
				s.parser.Feed(buf[:n])
			}
			if err != nil {
				if ignoreError(err) {
					return
				}
				if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
					s.fail(&TimeoutError{Op: "read"})
					return
				}
				s.fail(&IOError{Op: "read", Err: err})
				return
			}

			if !s.drainFrames() {
				return
			}

		case stateWriteReply:
			conn := s.getConn()
			if conn == nil {
				return
			}
			if err := s.drainOnce(conn, writeTimeout); err != nil {
				if ignoreError(err) {
					return
				}
				if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
					s.fail(&TimeoutError{Op: "write"})
					return
				}
				s.fail(&IOError{Op: "write", Err: err})
				return
			}
			if s.outboundEmpty() {
				s.state = stateReadMore
			}

		case stateWriteAndDie:
			conn := s.getConn()
			if conn == nil {
				return
			}
			if err := s.drainOnce(conn, writeTimeout); err != nil && !ignoreError(err) {
				LogWarning("milter: session %d: final write failed: %v", s.id, err)
			}
			if s.outboundEmpty() {
				return
			}

		case stateWannaDie:
			return

		default:
			return
		}
	}
}

// drainFrames pulls every fully-buffered frame out of the parser and
// dispatches it, returning false if the session should terminate at once
// (dispatch asked to close the connection, a fatal protocol error occurred,
// or QUIT arrived with nothing left to send). A QUIT with replies still
// queued moves the session to WRITE_AND_DIE and returns true so run flushes
// them before closing.
func (s *Session) drainFrames() bool {
	for {
		frame, ok, err := s.parser.Next()
		if err != nil {
			s.fail(err)
			return false
		}
		if !ok {
			return true
		}
		if derr := s.dispatch(frame); derr != nil {
			if errors.Is(derr, errCloseSession) {
				s.state = stateWannaDie
				return false
			}
			s.fail(derr)
			return false
		}
		if frame.Code == wire.CodeQuit {
			if !s.outboundEmpty() {
				s.state = stateWriteAndDie
				return true
			}
			s.state = stateWannaDie
			return false
		}
	}
}

// fail reports a fatal error to the host, if any, and marks the session for
// teardown.
func (s *Session) fail(err error) {
	LogWarning("milter: session %d: %v", s.id, err)
	if s.server.host != nil {
		s.server.host.Error(s, err)
	}
	s.state = stateWannaDie
}
