package milter

import (
	"fmt"
	"strings"

	"github.com/rspamd/go-milterd/internal/wire"
	"github.com/rspamd/go-milterd/milterutil"
	"golang.org/x/text/transform"
)

// Response is a reply queued for the MTA: either a per-command acknowledgement
// or one of the terminal dispositions C7 issues at end-of-body.
type Response struct {
	code wire.Code
	data []byte
}

// Response converts r into the wire frame C6 writes.
func (r *Response) Response() *wire.Message {
	return &wire.Message{Code: r.code, Data: r.data}
}

// Continue reports whether the MTA keeps the SMTP transaction open after r.
// ACCEPT, DISCARD, REJECT, TEMPFAIL and an SMTP reply code all end it.
func (r *Response) Continue() bool {
	switch wire.ActionCode(r.code) {
	case wire.ActAccept, wire.ActDiscard, wire.ActReject, wire.ActTempFail, wire.ActReplyCode:
		return false
	default:
		return true
	}
}

func newResponse(code wire.Code, data []byte) *Response {
	return &Response{code, data}
}

// newResponseStr builds a NUL-terminated string response. data must not
// already contain a NUL, and must leave room for the terminator within
// DataSize64K.
func newResponseStr(code wire.Code, data string) (*Response, error) {
	if len(data) > int(DataSize64K)-1 {
		return nil, fmt.Errorf("milter: invalid data length: %d > %d", len(data), int(DataSize64K)-1)
	}
	if strings.ContainsRune(data, 0) {
		return nil, fmt.Errorf("milter: invalid data: cannot contain null-bytes")
	}
	return newResponse(code, []byte(data+"\x00")), nil
}

// RejectWithCodeAndReason builds a REPLYCODE response carrying an explicit
// SMTP status and reason line(s). smtpCode must be 400-599. reason may
// contain newlines, which are canonicalized to CRLF and folded into a
// multi-line SMTP reply; "%" is doubled so libmilter's printf-style reply
// formatter does not misinterpret it.
func RejectWithCodeAndReason(smtpCode uint16, reason string) (*Response, error) {
	if smtpCode < 400 || smtpCode > 599 {
		return nil, fmt.Errorf("milter: invalid code %d", smtpCode)
	}
	if len(reason) > int(DataSize64K)-5 {
		return nil, fmt.Errorf("milter: reason too long: %d > %d", len(reason), int(DataSize64K)-5)
	}
	pipeline := transform.Chain(&milterutil.DoublePercentTransformer{}, &milterutil.CrLfCanonicalizationTransformer{})
	data, _, err := transform.String(pipeline, strings.TrimRight(reason, "\r\n"))
	if err != nil {
		return nil, err
	}
	data, _, err = transform.String(&milterutil.MaximumLineLengthTransformer{}, data)
	if err != nil {
		return nil, err
	}
	data, _, err = transform.String(&milterutil.SMTPReplyTransformer{Code: smtpCode}, data)
	if err != nil {
		return nil, err
	}
	return newResponseStr(wire.Code(wire.ActReplyCode), data)
}

// The fixed, data-less terminal responses. Constructed once since [Response]
// carries no per-call state beyond its code.
var (
	RespAccept   = &Response{code: wire.Code(wire.ActAccept)}
	RespContinue = &Response{code: wire.Code(wire.ActContinue)}
	RespDiscard  = &Response{code: wire.Code(wire.ActDiscard)}
	RespReject   = &Response{code: wire.Code(wire.ActReject)}
	RespTempFail = &Response{code: wire.Code(wire.ActTempFail)}
	RespSkip     = &Response{code: wire.Code(wire.ActSkip)}

	// respProgress is a keepalive frame; it has no exported constructor
	// because only [modifier.Progress] is meant to send it.
	respProgress = &Response{code: wire.Code(wire.ActProgress)}
)
