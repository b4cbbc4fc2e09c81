package milterutil

import (
	"fmt"
	"strings"

	"golang.org/x/text/transform"
)

// MaxResponseSize bounds a formatted response at 64MiB minus two bytes
// (room for the command byte and the NUL terminator).
const MaxResponseSize = 64*1024*1024 - 2

// FormatResponse renders a multi-line SMTP reply for smtpCode (100-599) and
// reason. reason may already contain an RFC 2034 enhanced status code; "%"
// is doubled and "\n"/"\r\n" are canonicalized to CRLF before the reply is
// wrapped to DefaultMaximumLineLength-byte lines and prefixed with smtpCode
// on every line.
//
//	FormatResponse(250, "Accept")                                    // "250 Accept"
//	FormatResponse(250, "%")                                         // "250 %%"
//	FormatResponse(550, "5.7.1 Command rejected")                    // "550 5.7.1 Command rejected"
//	FormatResponse(550, "5.7.1 Command rejected\nContact support")   // "550-5.7.1 Command rejected\r\n550 5.7.1 Contact support"
//
// See the IANA SMTP enhanced status code registry for when to use one.
func FormatResponse(smtpCode uint16, reason string) (string, error) {
	if smtpCode < 100 || smtpCode > 599 {
		return "", fmt.Errorf("milter: invalid code %d", smtpCode)
	}
	if len(reason) > MaxResponseSize-4 {
		return "", fmt.Errorf("milter: reason too long: %d > %d", len(reason), MaxResponseSize-4)
	}
	pipeline := transform.Chain(&DoublePercentTransformer{}, &CrLfCanonicalizationTransformer{})
	data, _, _ := transform.String(pipeline, strings.TrimRight(reason, "\r\n"))
	data, _, _ = transform.String(&MaximumLineLengthTransformer{}, data)
	data, _, _ = transform.String(&SMTPReplyTransformer{Code: smtpCode}, data)
	if len(data) > MaxResponseSize {
		return "", fmt.Errorf("milter: formatted reason too long: %d > %d", len(data), MaxResponseSize)
	}
	return data, nil
}
