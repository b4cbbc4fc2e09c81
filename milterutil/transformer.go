package milterutil

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/transform"
)

const (
	charCR    = '\r'
	charLF    = '\n'
	charSpace = ' '
	charNUL   = '\000'
)

// CrLfToLfTransformer folds every CRLF and lone CR in src down to a single LF
// in dst. postfix's queue manager wants LF-only header values; feeding it
// CRLF produces doubled CR sequences once its own formatter adds its own CR.
type CrLfToLfTransformer struct {
	sawCR bool
}

func (t *CrLfToLfTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nDst < len(dst) && nSrc < len(src) {
		c := src[nSrc]
		if c == charLF && t.sawCR {
			// the CR already became an LF below; this LF just completes the pair
			nSrc++
			t.sawCR = false
			continue
		}
		t.sawCR = c == charCR
		if t.sawCR {
			c = charLF
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	if nSrc < len(src) {
		err = transform.ErrShortDst
	}
	// a trailing CR might be the first half of a CRLF pair in the next chunk
	if err == nil && !atEOF && len(src) > 0 && src[len(src)-1] == charCR {
		err = transform.ErrShortSrc
		nSrc--
		nDst--
	}
	return
}

func (t *CrLfToLfTransformer) Reset() { t.sawCR = false }

var _ transform.Transformer = (*CrLfToLfTransformer)(nil)

// CrLfCanonicalizationTransformer rewrites every line ending in src — bare
// LF, bare CR, or CRLF — to CRLF in dst.
type CrLfCanonicalizationTransformer struct {
	lastOut byte
}

func (t *CrLfCanonicalizationTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nDst < len(dst) && nSrc < len(src) {
		c := src[nSrc]
		if c == charLF {
			if t.lastOut != charCR {
				if len(dst) <= nDst+1 {
					err = transform.ErrShortDst
					return
				}
				dst[nDst] = charCR
				nDst++
			}
		} else if c == charCR {
			if !atEOF && len(src) <= nSrc+1 {
				err = transform.ErrShortSrc
				return
			}
			if (atEOF && len(src) == nSrc+1) || src[nSrc+1] != charLF {
				if len(dst) <= nDst+1 {
					err = transform.ErrShortDst
					return
				}
				dst[nDst] = c
				nDst++
				c = charLF
			}
		}
		dst[nDst] = c
		nDst++
		nSrc++
		t.lastOut = c
	}
	if nSrc < len(src) {
		err = transform.ErrShortDst
	}
	return
}

func (t *CrLfCanonicalizationTransformer) Reset() { t.lastOut = 0 }

var _ transform.Transformer = (*CrLfCanonicalizationTransformer)(nil)

// DoublePercentTransformer doubles every '%' in src, escaping it for
// libmilter's printf-style SMFIR_REPLYCODE reply formatter.
type DoublePercentTransformer struct {
	transform.NopResetter
}

func (t *DoublePercentTransformer) Transform(dst, src []byte, _ bool) (nDst, nSrc int, err error) {
	for nDst < len(dst) && nSrc < len(src) {
		c := src[nSrc]
		if c == '%' {
			if len(dst) <= nDst+1 {
				err = transform.ErrShortDst
				return
			}
			dst[nDst] = c
			nDst++
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	if nSrc < len(src) {
		err = transform.ErrShortDst
	}
	return
}

var _ transform.Transformer = (*DoublePercentTransformer)(nil)

// SkipDoublePercentTransformer is the inverse of [DoublePercentTransformer]:
// it collapses "%%" back to a single '%', leaving lone '%' untouched.
type SkipDoublePercentTransformer struct {
	inPercent bool
	collapsed bool
}

func (t *SkipDoublePercentTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nDst < len(dst) && nSrc < len(src) {
		c := src[nSrc]
		if c == '%' && t.inPercent && !t.collapsed {
			t.collapsed = true
			nSrc++
			continue
		}
		t.inPercent = c == '%'
		t.collapsed = false
		dst[nDst] = c
		nDst++
		nSrc++
	}
	if nSrc < len(src) {
		err = transform.ErrShortDst
	}
	// a lone trailing % might be the first half of a %% pair in the next chunk
	if err == nil && !atEOF && len(src) > 0 && t.inPercent && !t.collapsed {
		err = transform.ErrShortSrc
		t.inPercent = false
		nSrc--
		nDst--
	}
	return
}

func (t *SkipDoublePercentTransformer) Reset() {
	t.inPercent = false
	t.collapsed = false
}

var _ transform.Transformer = (*SkipDoublePercentTransformer)(nil)

// errStartWithLF rejects input an [SMTPReplyTransformer] is asked to open
// with a bare LF — there is no SMTP code to prefix it with.
var errStartWithLF = errors.New("milterutil: SMTP reply cannot start with LF")

// SMTPReplyTransformer turns LF-delimited src into a multi-line SMTP reply,
// prefixing every line with Code and joining all but the last with "-". Per
// RFC 2034 it detects an enhanced status code on the first line and repeats
// it on every continuation line.
//
// src must already be CRLF/LF canonicalized; chain [CrLfCanonicalizationTransformer]
// ahead of it if it isn't. Used standalone in a [transform.Chain], it assumes
// no single line exceeds 128 bytes.
type SMTPReplyTransformer struct {
	Code uint16

	enhancedCode string
	started      bool
}

func (t *SMTPReplyTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	if !t.started && (t.Code < 100 || t.Code > 599) {
		return 0, 0, fmt.Errorf("milter: %d is not a valid SMTP code", t.Code)
	}
	// an empty reply still needs its code line
	if atEOF && !t.started && len(src) == 0 {
		if len(dst) <= nDst+4 {
			return 0, 0, transform.ErrShortDst
		}
		nDst += copy(dst[nDst:], fmt.Sprintf("%d ", t.Code))
		return
	}

	for nDst < len(dst) && nSrc < len(src) {
		c := src[nSrc]
		if !t.started || c == charLF {
			if len(dst) <= nDst+5 {
				err = transform.ErrShortDst
				return
			}
			if !t.started && c == charLF {
				err = errStartWithLF
				return
			}
			hasMoreLines := false
			for peek := nSrc + 1; peek < len(src); peek++ {
				if src[peek] == charLF {
					hasMoreLines = true
					break
				}
			}
			if !atEOF && !hasMoreLines {
				err = transform.ErrShortSrc
				return
			}
			if t.started {
				// consume the LF that closed the previous line
				dst[nDst] = c
				nDst++
				nSrc++
			}
			if hasMoreLines {
				nDst += copy(dst[nDst:], fmt.Sprintf("%d-%s", t.Code, t.enhancedCode))
			} else {
				nDst += copy(dst[nDst:], fmt.Sprintf("%d %s", t.Code, t.enhancedCode))
			}
			if !t.started {
				t.started = true
				dst[nDst] = c
				nDst++
				nSrc++
				if end := FindEnhancedErrorCodeEnd(src, t.Code); end > -1 {
					t.enhancedCode = string(src[:end])
				}
			}
		} else {
			dst[nDst] = c
			nDst++
			nSrc++
		}
	}
	if nSrc < len(src) {
		err = transform.ErrShortDst
	}
	return
}

func (t *SMTPReplyTransformer) Reset() {
	t.started = false
	t.enhancedCode = ""
}

var _ transform.Transformer = (*SMTPReplyTransformer)(nil)

// FindEnhancedErrorCodeEnd looks for an RFC 2034 enhanced status code
// (matching the class of code) at the start of src, returning the index
// just past its trailing space, or -1 if none is present.
func FindEnhancedErrorCodeEnd(src []byte, code uint16) int {
	if len(src) <= 5 { // "1.1.1 " is the shortest possible enhanced code
		return -1
	}

	switch src[0] {
	case '2', '4', '5':
		if src[1] != '.' || code/100 != uint16(src[0]-'0') {
			return -1
		}
	default:
		return -1
	}

	subject := 2
	i := 2
loop:
	for ; i < len(src)-1; i++ {
		switch src[i] {
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			if src[i] == '0' && i == 2 && src[i+1] >= '0' && src[i+1] <= '9' {
				return -1 // no leading zeros
			}
			if src[i+1] == '.' {
				i++
				subject = i
				i++
				break loop
			}
		default:
			return -1
		}
	}
	if subject > 5 { // X.YYY. is the longest valid subject
		return -1
	}

	for ; i < len(src)-1; i++ {
		if i > subject+3 {
			return -1
		}
		switch src[i] {
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			if src[i] == '0' && i == subject+1 && src[i+1] >= '0' && src[i+1] <= '9' {
				return -1 // no leading zeros
			}
			if src[i+1] == ' ' {
				return i + 2
			}
		default:
			return -1
		}
	}
	return -1
}

// DefaultMaximumLineLength bounds [MaximumLineLengthTransformer] when its
// MaximumLength field is left zero. SMTP theoretically allows 1000-byte
// lines, but some MTAs insert hard breaks around 980, so 950 leaves margin.
const DefaultMaximumLineLength = 950

var errWrongMaximumLineLength = errors.New("milterutil: MaximumLength must be 4 or more")

// MaximumLineLengthTransformer inserts a CRLF break before src grows past
// MaximumLength bytes since the last line ending (CR or LF, not counted
// toward the length). It never splits a UTF-8 rune: it looks for a safe
// break point starting MaximumLength-utf8.UTFMax bytes into the line.
type MaximumLineLengthTransformer struct {
	MaximumLength uint
	col           uint
}

func (t *MaximumLineLengthTransformer) Transform(dst, src []byte, _ bool) (nDst, nSrc int, err error) {
	if t.MaximumLength == 0 {
		t.MaximumLength = DefaultMaximumLineLength
	}
	if t.MaximumLength < utf8.UTFMax {
		return 0, 0, errWrongMaximumLineLength
	}

	for nDst < len(dst) && nSrc < len(src) {
		c := src[nSrc]
		isLineEnd := c == charCR || c == charLF
		nearLimit := t.col > t.MaximumLength-utf8.UTFMax && utf8.RuneStart(c)
		atLimit := t.col >= t.MaximumLength
		if !isLineEnd && (nearLimit || atLimit) {
			if len(dst) <= nDst+2 {
				err = transform.ErrShortDst
				return
			}
			nDst += copy(dst[nDst:], "\r\n")
			t.col = 0
		}
		dst[nDst] = c
		nDst++
		nSrc++
		if isLineEnd {
			t.col = 0
		} else {
			t.col++
		}
	}
	if nSrc < len(src) {
		err = transform.ErrShortDst
	}
	return
}

func (t *MaximumLineLengthTransformer) Reset() { t.col = 0 }

var _ transform.Transformer = (*MaximumLineLengthTransformer)(nil)

// NewlineToSpaceTransformer folds every CRLF, lone CR, and lone LF in src
// down to a single space in dst. Safe on UTF-8 input since none of CR, LF,
// or NUL appear as a continuation byte of a multi-byte rune.
type NewlineToSpaceTransformer struct {
	sawCR bool
}

func (t *NewlineToSpaceTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nDst < len(dst) && nSrc < len(src) {
		c := src[nSrc]
		if c == charLF {
			if t.sawCR {
				nSrc++
				t.sawCR = false
				continue
			}
			c = charSpace
		}
		t.sawCR = c == charCR
		if t.sawCR {
			c = charSpace
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	if nSrc < len(src) {
		err = transform.ErrShortDst
	}
	if err == nil && !atEOF && len(src) > 0 && src[len(src)-1] == charCR {
		err = transform.ErrShortSrc
		nSrc--
		nDst--
	}
	return
}

func (t *NewlineToSpaceTransformer) Reset() { t.sawCR = false }

var _ transform.Transformer = (*NewlineToSpaceTransformer)(nil)

// NulToSpTransformer replaces every NUL byte in src with a space in dst.
// Safe on UTF-8 input since NUL never appears as a continuation byte.
type NulToSpTransformer struct {
	transform.NopResetter
}

func (t *NulToSpTransformer) Transform(dst, src []byte, _ bool) (nDst, nSrc int, err error) {
	for nDst < len(dst) && nSrc < len(src) {
		c := src[nSrc]
		if c == charNUL {
			c = charSpace
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return
}

var _ transform.Transformer = (*NulToSpTransformer)(nil)

// CrLfToLf folds s's line endings down to bare LF and turns any embedded NUL
// into a space, in one pass.
func CrLfToLf(s string) string {
	dst, _, _ := transform.String(transform.Chain(&NulToSpTransformer{}, &CrLfToLfTransformer{}), s)
	return dst
}

// NewlineToSpace folds every line ending and embedded NUL in s down to a
// single space. Sendmail rejects newlines in a quarantine reason.
func NewlineToSpace(s string) string {
	dst, _, _ := transform.String(transform.Chain(&NulToSpTransformer{}, &NewlineToSpaceTransformer{}), s)
	return dst
}
