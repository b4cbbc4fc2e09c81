package milter

import (
	"encoding/binary"
	"fmt"

	"github.com/rspamd/go-milterd/internal/wire"
)

// parserState is the FSM state of the resumable frame parser.
type parserState int

const (
	stLen1 parserState = iota
	stLen2
	stLen3
	stLen4
	stReadCmd
	stReadData
)

// chunkMax bounds the largest single BODY/HEADER payload we tolerate; a
// datalen bigger than 2*chunkMax is a fatal protocol error (spec invariant 1).
const chunkMax = 65536

// parser is a pull-based, resumable frame decoder (C2). It never blocks: Feed
// appends whatever bytes are currently available and Next extracts as many
// complete frames as the buffer holds, reporting "need more" once it runs
// out. It survives arbitrary fragmentation of the input stream, including a
// single byte at a time, because all state needed to resume lives in the
// struct rather than on a call stack.
type parser struct {
	state  parserState
	buf    []byte
	r      int // read cursor: next unconsumed byte
	w      int // write cursor: end of valid data
	cmd    byte
	datalen uint32
	lenBuf [4]byte
	lenPos int
}

func newParser() *parser {
	return &parser{buf: make([]byte, 4096)}
}

// Feed appends data to the parser's internal buffer, growing it by doubling
// if needed. It never copies payload out again; Next yields slices into this
// same buffer.
func (p *parser) Feed(data []byte) {
	need := p.w + len(data)
	if need > len(p.buf) {
		newCap := len(p.buf)
		if newCap == 0 {
			newCap = 4096
		}
		for newCap < need {
			newCap *= 2
		}
		grown := make([]byte, newCap)
		copy(grown, p.buf[:p.w])
		p.buf = grown
	}
	copy(p.buf[p.w:], data)
	p.w += len(data)
}

// compact discards already-consumed bytes from the front of the buffer so it
// doesn't grow unboundedly across many small frames.
func (p *parser) compact() {
	if p.r == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.r:p.w])
	p.w = n
	p.r = 0
}

// Frame is one fully decoded command ready for C3.
type Frame struct {
	Code    wire.Code
	Payload []byte
}

// ErrProtocol is returned by Next when the byte stream cannot be a valid
// milter frame sequence: an unknown command, an oversized datalen, or a
// zero-length frame.
type ErrProtocol struct {
	Reason string
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("milter: protocol error: %s", e.Reason)
}

// Next advances the FSM as far as the currently buffered bytes allow. It
// returns one decoded Frame per call; ok is false when the buffer is
// exhausted short of a complete frame (the caller should read more bytes and
// call Next again). err is non-nil only on a fatal, unrecoverable protocol
// violation.
func (p *parser) Next() (frame Frame, ok bool, err error) {
	for {
		switch p.state {
		case stLen1, stLen2, stLen3, stLen4:
			if p.r >= p.w {
				p.compact()
				return Frame{}, false, nil
			}
			p.lenBuf[p.lenPos] = p.buf[p.r]
			p.r++
			p.lenPos++
			if p.lenPos == 4 {
				length := binary.BigEndian.Uint32(p.lenBuf[:])
				if length == 0 {
					return Frame{}, false, &ErrProtocol{Reason: "zero length frame"}
				}
				if length-1 > 2*chunkMax {
					return Frame{}, false, &ErrProtocol{Reason: fmt.Sprintf("datalen %d exceeds maximum", length-1)}
				}
				p.datalen = length - 1
				p.lenPos = 0
				p.state = stReadCmd
			} else {
				p.state++
			}

		case stReadCmd:
			if p.r >= p.w {
				p.compact()
				return Frame{}, false, nil
			}
			p.cmd = p.buf[p.r]
			p.r++
			if !isKnownCommand(wire.Code(p.cmd)) {
				return Frame{}, false, &ErrProtocol{Reason: fmt.Sprintf("unknown command %q", p.cmd)}
			}
			if p.datalen == 0 {
				p.state = stLen1
				return Frame{Code: wire.Code(p.cmd), Payload: nil}, true, nil
			}
			p.state = stReadData

		case stReadData:
			available := p.w - p.r
			if uint32(available) < p.datalen {
				p.compact()
				return Frame{}, false, nil
			}
			payload := p.buf[p.r : p.r+int(p.datalen)]
			p.r += int(p.datalen)
			p.state = stLen1
			return Frame{Code: wire.Code(p.cmd), Payload: payload}, true, nil
		}
	}
}

func isKnownCommand(c wire.Code) bool {
	switch c {
	case wire.CodeOptNeg, wire.CodeMacro, wire.CodeConn, wire.CodeQuit, wire.CodeHelo,
		wire.CodeMail, wire.CodeRcpt, wire.CodeHeader, wire.CodeEOH, wire.CodeBody,
		wire.CodeEOB, wire.CodeAbort, wire.CodeData, wire.CodeQuitNewConn, wire.CodeUnknown:
		return true
	default:
		return false
	}
}
