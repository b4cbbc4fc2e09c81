package milter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/rspamd/go-milterd/internal/wire"
	"github.com/rspamd/go-milterd/milterutil"
)

func hasAngle(s string) bool {
	return len(s) > 1 && s[0] == '<' && s[len(s)-1] == '>'
}

// AddAngle wraps s in <> unless it already is.
func AddAngle(s string) string {
	if hasAngle(s) {
		return s
	}
	return "<" + s + ">"
}

// RemoveAngle strips a surrounding <> from s, if present.
func RemoveAngle(s string) string {
	if hasAngle(s) {
		return s[1 : len(s)-1]
	}
	return s
}

// validHeaderName reports whether name can appear on the wire as a header
// name: printable ASCII, no space, no colon.
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, b := range []byte(name) {
		if b <= ' ' || b >= '\x7F' || b == ':' {
			return false
		}
	}
	return true
}

var ErrModificationNotAllowed = errors.New("milter: modification not allowed via milter protocol negotiation")
var ErrVersionTooLow = errors.New("milter: action not allowed in this milter protocol version")

// Modifier is the set of message-modification calls C7's verdict translator
// drives once a message has reached end-of-body. All of them but Progress
// are only valid from that point on; what they can actually do is bounded by
// the OptAction flags negotiated with the MTA at OPTNEG time.
type Modifier interface {
	Macros

	Version() uint32
	Protocol() OptProtocol
	Actions() OptAction
	// MaxDataSize is the largest single chunk the MTA will accept, as
	// negotiated at OPTNEG.
	MaxDataSize() DataSize
	// MilterId identifies this session; unique and increasing per Server.
	MilterId() uint64

	// AddRecipient appends an envelope recipient. esmtpArgs requires
	// OptAddRcptWithArgs to have been negotiated.
	AddRecipient(r string, esmtpArgs string) error
	DeleteRecipient(r string) error
	// ReplaceBodyRawChunk sends one body-replacement chunk as-is. chunk must
	// not exceed MaxDataSize. Callers should issue all ReplaceBody(RawChunk)
	// calls back to back, without other modifications in between — some MTAs
	// reject interleaved ones.
	ReplaceBodyRawChunk(chunk []byte) error
	// ReplaceBody drains r and forwards it as the fewest possible
	// ReplaceBodyRawChunk calls. It does no CRLF canonicalization or line
	// length enforcement; wrap r with milterutil's transform.Transformers
	// first if that is needed. Can be called more than once; the MTA
	// concatenates the chunks into a single replacement body.
	ReplaceBody(r io.Reader) error
	// Quarantine holds the message after delivery, only meaningful together
	// with an accept disposition.
	Quarantine(reason string) error
	// AddHeader appends a header. Sendmail may reuse an existing (possibly
	// deleted) header of the same name instead of appending; use
	// InsertHeader with a high index to force placement at the end.
	//
	// value may contain newlines, canonicalized to LF; NUL is mapped to
	// space.
	AddHeader(name, value string) error
	// ChangeHeader replaces the index'th occurrence (1-based, per canonical
	// name) of name. An empty value deletes it. An index past the existing
	// count appends a new header, same as AddHeader.
	ChangeHeader(index int, name, value string) error
	// InsertHeader inserts a header at position index (1-based, over the
	// full header list; 0 means "before everything"). Unlike ChangeHeader
	// the index is not scoped to name. Sendmail's internal header list does
	// not fully mirror what it forwards over the wire, so exact positioning
	// is best-effort there.
	InsertHeader(index int, name, value string) error
	// ChangeFrom replaces the envelope sender. Requires protocol version 6
	// and OptChangeFrom.
	ChangeFrom(value string, esmtpArgs string) error
	// Progress sends a keepalive so the MTA does not time out a slow
	// callback. Valid in any modifier state, unlike every other method here.
	// Requires protocol version 6.
	Progress() error
}

type modifierState int

const (
	modifierStateReadOnly modifierState = iota
	modifierStateProgressOnly
	modifierStateReadWrite
)

type modifier struct {
	macros      Macros
	state       modifierState
	writePacket func(*wire.Message) error
	version     uint32
	protocol    OptProtocol
	actions     OptAction
	maxDataSize DataSize
	milterId    uint64
}

var _ Modifier = (*modifier)(nil)

// newModifier builds the Modifier view a session hands to verdict delivery
// once negotiation has completed.
func newModifier(s *Session, state modifierState) *modifier {
	return &modifier{
		macros:      s.macros,
		state:       state,
		writePacket: s.enqueueAction,
		version:     s.version,
		protocol:    s.protocol,
		actions:     s.actions,
		maxDataSize: s.maxDataSize,
		milterId:    s.id,
	}
}

func (m *modifier) Get(name MacroName) string          { return m.macros.Get(name) }
func (m *modifier) GetEx(name MacroName) (string, bool) { return m.macros.GetEx(name) }
func (m *modifier) Version() uint32                     { return m.version }
func (m *modifier) Protocol() OptProtocol               { return m.protocol }
func (m *modifier) Actions() OptAction                  { return m.actions }
func (m *modifier) MaxDataSize() DataSize               { return m.maxDataSize }
func (m *modifier) MilterId() uint64                    { return m.milterId }

func (m *modifier) AddRecipient(r string, esmtpArgs string) error {
	if m.actions&OptAddRcpt == 0 && m.actions&OptAddRcptWithArgs == 0 {
		return ErrModificationNotAllowed
	}
	if esmtpArgs != "" && m.actions&OptAddRcptWithArgs == 0 {
		return ErrModificationNotAllowed
	}

	code := wire.ActAddRcpt
	var buf bytes.Buffer
	buf.WriteString(AddAngle(milterutil.NewlineToSpace(r)))
	buf.WriteByte(0)
	// Fall back to the "with args" variant whenever args were actually
	// supplied, or it's the only add-rcpt flavor the MTA negotiated.
	needsArgsVariant := (esmtpArgs != "" && m.actions&OptAddRcptWithArgs != 0) ||
		(esmtpArgs == "" && m.actions&OptAddRcpt == 0)
	if needsArgsVariant {
		buf.WriteString(milterutil.NewlineToSpace(esmtpArgs))
		buf.WriteByte(0)
		code = wire.ActAddRcptPar
	}
	if code == wire.ActAddRcptPar && m.version < 6 {
		return ErrVersionTooLow
	}
	return m.write(modifierStateReadWrite, newResponse(wire.Code(code), buf.Bytes()))
}

func (m *modifier) DeleteRecipient(r string) error {
	if m.actions&OptRemoveRcpt == 0 {
		return ErrModificationNotAllowed
	}
	resp, err := newResponseStr(wire.Code(wire.ActDelRcpt), AddAngle(milterutil.NewlineToSpace(r)))
	if err != nil {
		return err
	}
	return m.write(modifierStateReadWrite, resp)
}

func (m *modifier) ReplaceBodyRawChunk(chunk []byte) error {
	if m.actions&OptChangeBody == 0 {
		return ErrModificationNotAllowed
	}
	if len(chunk) > int(m.maxDataSize) {
		return fmt.Errorf("milter: body chunk too large: %d > %d", len(chunk), m.maxDataSize)
	}
	return m.write(modifierStateReadWrite, newResponse(wire.Code(wire.ActReplBody), chunk))
}

func (m *modifier) ReplaceBody(r io.Reader) error {
	scanner := milterutil.GetFixedBufferScanner(uint32(m.maxDataSize), r)
	defer scanner.Close()
	for scanner.Scan() {
		if err := m.ReplaceBodyRawChunk(scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (m *modifier) Quarantine(reason string) error {
	if m.actions&OptQuarantine == 0 {
		return ErrModificationNotAllowed
	}
	return m.write(modifierStateReadWrite, newResponse(wire.Code(wire.ActQuarantine), []byte(milterutil.NewlineToSpace(reason)+"\x00")))
}

func (m *modifier) AddHeader(name, value string) error {
	if m.actions&OptAddHeader == 0 {
		return ErrModificationNotAllowed
	}
	if !validHeaderName(name) {
		return fmt.Errorf("milter: invalid header name: %q", name)
	}
	var buf bytes.Buffer
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(milterutil.CrLfToLf(value))
	buf.WriteByte(0)
	return m.write(modifierStateReadWrite, newResponse(wire.Code(wire.ActAddHeader), buf.Bytes()))
}

// encodeHeaderIndex validates and big-endian encodes a ChangeHeader or
// InsertHeader index. Both wire messages share the same 4-byte-index +
// name\0value\0 layout.
func encodeHeaderIndex(index int) ([4]byte, error) {
	var b [4]byte
	if index < 0 || index > math.MaxUint32 {
		return b, fmt.Errorf("milter: invalid header index: %d", index)
	}
	b[0], b[1], b[2], b[3] = byte(index>>24), byte(index>>16), byte(index>>8), byte(index)
	return b, nil
}

func (m *modifier) ChangeHeader(index int, name, value string) error {
	if m.actions&OptChangeHeader == 0 {
		return ErrModificationNotAllowed
	}
	idx, err := encodeHeaderIndex(index)
	if err != nil {
		return err
	}
	if !validHeaderName(name) {
		return fmt.Errorf("milter: invalid header name: %q", name)
	}
	var buf bytes.Buffer
	buf.Write(idx[:])
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(milterutil.CrLfToLf(value))
	buf.WriteByte(0)
	return m.write(modifierStateReadWrite, newResponse(wire.Code(wire.ActChangeHeader), buf.Bytes()))
}

func (m *modifier) InsertHeader(index int, name, value string) error {
	// insert has no dedicated negotiation flag; either header capability covers it.
	if m.actions&OptChangeHeader == 0 && m.actions&OptAddHeader == 0 {
		return ErrModificationNotAllowed
	}
	idx, err := encodeHeaderIndex(index)
	if err != nil {
		return err
	}
	if !validHeaderName(name) {
		return fmt.Errorf("milter: invalid header name: %q", name)
	}
	var buf bytes.Buffer
	buf.Write(idx[:])
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(milterutil.CrLfToLf(value))
	buf.WriteByte(0)
	return m.write(modifierStateReadWrite, newResponse(wire.Code(wire.ActInsertHeader), buf.Bytes()))
}

func (m *modifier) ChangeFrom(value string, esmtpArgs string) error {
	if m.version < 6 {
		return ErrVersionTooLow
	}
	if m.actions&OptChangeFrom == 0 {
		return ErrModificationNotAllowed
	}
	var buf bytes.Buffer
	buf.WriteString(AddAngle(milterutil.NewlineToSpace(value)))
	buf.WriteByte(0)
	if esmtpArgs != "" {
		buf.WriteString(milterutil.NewlineToSpace(esmtpArgs))
		buf.WriteByte(0)
	}
	return m.write(modifierStateReadWrite, newResponse(wire.Code(wire.ActChangeFrom), buf.Bytes()))
}

func (m *modifier) Progress() error {
	if m.version < 6 {
		return ErrVersionTooLow
	}
	return m.write(modifierStateReadOnly, respProgress)
}

func (m *modifier) write(requiredState modifierState, resp *Response) error {
	if m.state < requiredState {
		return fmt.Errorf("milter: tried to send action %q in state %d", resp, m.state)
	}
	msg := resp.Response()
	if len(msg.Data) > int(DataSize64K) {
		return fmt.Errorf("milter: invalid data length: %d > %d", len(msg.Data), DataSize64K)
	}
	return m.writePacket(msg)
}
