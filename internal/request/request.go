// Package request builds the structured representation handed to the
// downstream scanning engine at BODYEOB, decoding MIME encoded-words in the
// headers the session accumulated so the engine sees human-readable text
// rather than raw RFC 2047 tokens.
package request

import (
	"bytes"

	"github.com/emersion/go-message"
)

// Subject reads raw (a session's accumulated headers+body, CRLF-joined, the
// same bytes ToRequest assembles) and returns its decoded Subject header. It
// returns "" if raw cannot be parsed as a MIME entity or carries no Subject;
// this layer is read-only best-effort decoration of the scan request, not a
// validator of MTA input.
func Subject(raw []byte) string {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	subject, err := e.Header.Text("Subject")
	if err != nil {
		return ""
	}
	return subject
}
