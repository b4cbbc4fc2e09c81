package milter

import (
	"bytes"
	"container/list"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rspamd/go-milterd/internal/request"
	"github.com/rspamd/go-milterd/internal/wire"
)

var errCloseSession = errors.New("milter: stop current milter processing")

// SessionAddr is the parsed peer address from a CONNECT frame.
type SessionAddr struct {
	Family  ProtoFamily
	Host    string
	Port    uint16
	Address string
}

// connState is the connection-level state machine described in spec.md §4.3.
type connState int

const (
	stateReadMore connState = iota
	stateWriteReply
	stateWriteAndDie
	stateWannaDie
)

// outBuf is one entry in the outbound FIFO: a fully encoded wire frame plus a
// write cursor so a short write can resume exactly where it left off.
type outBuf struct {
	data []byte
	pos  int
}

// Session is C4: the per-connection object. One Session exists per accepted
// milter connection. All protocol-state mutation happens on the Session's own
// driver goroutine (driver.go); fields are not guarded by a mutex except
// connMu, which only protects the conn pointer itself against a concurrent
// Close from another goroutine (e.g. Server.Shutdown).
type Session struct {
	server *Server
	id     uint64

	connMu sync.Mutex
	conn   net.Conn

	version     uint32
	actions     OptAction
	protocol    OptProtocol
	maxDataSize DataSize

	parser *parser
	state  connState
	out    *list.List // of *outBuf

	addr     *SessionAddr
	hostname string
	helo     string
	from     string
	rcpts    []string
	message  bytes.Buffer

	macros       *MacroMap
	headerCounts map[string]int

	UserData any

	discardOnReject bool
	noAction        bool

	negotiated bool

	refcount int32

	modifier *modifier
}

func newSession(server *Server, conn net.Conn) *Session {
	return &Session{
		server:          server,
		conn:            conn,
		parser:          newParser(),
		out:             list.New(),
		macros:          NewMacroMap(),
		headerCounts:    make(map[string]int),
		discardOnReject: server.options.discardOnReject,
		refcount:        1,
	}
}

// Retain increments the reference count. Must be balanced by Release.
func (s *Session) Retain() {
	atomic.AddInt32(&s.refcount, 1)
}

// Release decrements the reference count and destroys the session once it
// reaches zero. The destructor runs exactly once (spec.md testable property 6).
func (s *Session) Release() {
	if atomic.AddInt32(&s.refcount, -1) == 0 {
		s.destroy()
	}
}

func (s *Session) destroy() {
	s.closeConn()
	s.out.Init()
	s.message.Reset()
	s.rcpts = nil
	s.headerCounts = nil
}

// resetEnvelope clears everything reset on ABORT: sender, recipients, HELO,
// hostname, message and header counts. Peer address and macros survive.
func (s *Session) resetEnvelope() {
	s.from = ""
	s.rcpts = nil
	s.helo = ""
	s.hostname = ""
	s.message.Reset()
	s.headerCounts = make(map[string]int)
}

// resetForNewConnection additionally clears address and macros (QUIT_NC).
func (s *Session) resetForNewConnection() {
	s.resetEnvelope()
	s.addr = nil
	s.macros.Reset()
}

// enqueueAction appends a wire frame to the outbound FIFO and requests
// write-readiness (spec.md §4.5: enqueuing transitions to WRITE_REPLY).
func (s *Session) enqueueAction(msg *wire.Message) error {
	if msg == nil {
		return errors.New("milter: nil action message")
	}
	data := wire.EncodeFrame(msg.Code, msg.Data)
	s.out.PushBack(&outBuf{data: data})
	if s.state == stateReadMore {
		s.state = stateWriteReply
	}
	return nil
}

func (s *Session) outboundEmpty() bool {
	return s.out.Len() == 0
}

// drainOnce performs a single non-blocking-style write attempt: it writes as
// much of the head-of-queue buffer as the transport accepts in one Write
// call, advancing the cursor on a short write (spec invariant 3: strict FIFO,
// no reordering on partial writes).
func (s *Session) drainOnce(conn net.Conn, timeout time.Duration) error {
	front := s.out.Front()
	if front == nil {
		return nil
	}
	ob := front.Value.(*outBuf)
	if timeout != 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	n, err := conn.Write(ob.data[ob.pos:])
	ob.pos += n
	if err != nil {
		return err
	}
	if ob.pos >= len(ob.data) {
		s.out.Remove(front)
	}
	return nil
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil && !ignoreError(err) {
			LogWarning("milter: error closing connection: %v", err)
		}
	}
}

func (s *Session) getConn() net.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// ignoreError reports whether err is an expected, non-noteworthy closing
// condition (EOF, already-closed socket, or our own sentinel).
func ignoreError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, errCloseSession) || errors.Is(err, net.ErrClosed)
}

// ToRequest assembles a downstream scan request from the envelope and
// message, per spec.md §6.2 to_request. It is the responsibility of the host
// to call this once BODYEOB has been observed (Host.Finish).
func (s *Session) ToRequest() *ScanRequest {
	req := &ScanRequest{
		Helo:     s.helo,
		From:     s.from,
		Rcpt:     append([]string(nil), s.rcpts...),
		Message:  append([]byte(nil), s.message.Bytes()...),
		Milter:   true,
		QueueId:  firstNonEmpty(s.macros.Get(MacroQueueId), s.macros.Get("{"+MacroQueueId+"}")),
		UserAgent: firstNonEmpty(s.macros.Get(MacroMTAVersion), s.macros.Get("{v}")),
		TLSCipher: s.macros.Get(MacroCipher),
		TLSVersion: s.macros.Get(MacroTlsVersion),
		User:      s.macros.Get(MacroAuthAuthen),
		Hostname:  firstNonEmpty(s.hostname, s.macros.Get(MacroClientName)),
	}
	req.MTATag = firstNonEmpty(s.macros.Get(MacroDaemonName), s.macros.Get("{j}"), s.macros.Get("j"))
	req.MTAName = req.MTATag
	if s.addr != nil {
		req.IP = s.addr.Address
	}
	req.Subject = request.Subject(req.Message)
	return req
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ScanRequest is the structured downstream request assembled at BODYEOB, per
// spec.md §6.2. The scanning engine itself is an external collaborator; this
// struct is the data handed to it.
type ScanRequest struct {
	QueueId    string
	MTATag     string
	MTAName    string
	UserAgent  string
	TLSCipher  string
	TLSVersion string
	User       string
	Hostname   string
	Helo       string
	From       string
	Rcpt       []string
	IP         string
	Milter     bool
	Message    []byte
	Subject    string
}

func (s *Session) String() string {
	return fmt.Sprintf("session#%d from=%q rcpts=%d", s.id, s.from, len(s.rcpts))
}
