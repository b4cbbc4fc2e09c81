package milterutil

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"golang.org/x/text/transform"
)

type transformCase struct {
	writes []string
	want   string
}

// runTransformCases feeds each case through transformer twice: once via a
// streaming [transform.Reader] fed chunk-by-chunk (exercising ErrShortSrc/Dst
// handling across Transform calls), and once via a single transform.String
// call over the joined input. check, if non-nil, runs extra assertions
// against the streamed output.
func runTransformCases(t *testing.T, newTransformer func() transform.Transformer, cases []transformCase, check func(*testing.T, transformCase, string)) {
	t.Helper()
	run := func(t *testing.T, c transformCase, tr transform.Transformer) {
		r, w := io.Pipe()
		go func() {
			for _, s := range c.writes {
				if _, err := w.Write([]byte(s)); err != nil {
					_ = w.CloseWithError(err)
					return
				}
			}
			_ = w.Close()
		}()
		streamed, err := io.ReadAll(transform.NewReader(r, tr))
		if err != nil {
			t.Fatal(err)
		}
		if string(streamed) != c.want {
			t.Fatalf("streamed: got %q, want %q", string(streamed), c.want)
		}

		whole, _, err := transform.String(tr, strings.Join(c.writes, ""))
		if err != nil {
			t.Fatal(err)
		}
		if whole != c.want {
			t.Fatalf("one-shot: got %q, want %q", whole, c.want)
		}
		if check != nil {
			check(t, c, whole)
		}
	}

	for i, c := range cases {
		label := fmt.Sprintf("%q", c.writes)
		if len(label) > 50 {
			label = fmt.Sprintf("(%d writes, %d bytes)", len(c.writes), len(strings.Join(c.writes, "")))
		}
		t.Run(fmt.Sprintf("%d:%s", i, label), func(t *testing.T) {
			t.Parallel()
			run(t, c, newTransformer())
		})
	}
	t.Run("transformer is reusable after Reset", func(t *testing.T) {
		t.Parallel()
		tr := newTransformer()
		for _, c := range cases {
			run(t, c, tr)
		}
	})
}

func TestCrLfToLfTransformer(t *testing.T) {
	t.Parallel()
	padding := strings.Repeat("1234567890", 409) // push past the 4096-byte initial dst buffer
	runTransformCases(t, func() transform.Transformer { return &CrLfToLfTransformer{} }, []transformCase{
		{[]string{""}, ""},
		{[]string{"\n"}, "\n"},
		{[]string{"\r"}, "\n"},
		{[]string{"\r\n"}, "\n"},
		{[]string{"\r\r\n"}, "\n\n"},
		{[]string{"\r\n\r"}, "\n\n"},
		{[]string{"\r\n\r\n"}, "\n\n"},
		{[]string{"line1\r\nline2\r\n"}, "line1\nline2\n"},
		{[]string{"\r", "\n"}, "\n"},
		{[]string{"\r\r", "\n"}, "\n\n"},
		{[]string{padding + "123456\r", "\n"}, padding + "123456\n"},
		// regression: a CR straddling the dst buffer boundary must not be
		// resolved twice (https://github.com/rspamd/go-milterd/pull/20)
		{[]string{"aaaaaaaaaaaaaaaaaaaaaaaa\r\naaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\r\nbbbbbbb"}, "aaaaaaaaaaaaaaaaaaaaaaaa\naaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\nbbbbbbb"},
	}, nil)
}

func TestCrLfCanonicalizationTransformer(t *testing.T) {
	t.Parallel()
	padding := strings.Repeat("1234567890", 409)
	manyCR := strings.Repeat("\r", 4095)
	manyCRLF := strings.Repeat("\r\n", 4095)
	runTransformCases(t, func() transform.Transformer { return &CrLfCanonicalizationTransformer{} }, []transformCase{
		{[]string{""}, ""},
		{[]string{"\n"}, "\r\n"},
		{[]string{"", "\n"}, "\r\n"},
		{[]string{"\r"}, "\r\n"},
		{[]string{"", "\r"}, "\r\n"},
		{[]string{"\r\n"}, "\r\n"},
		{[]string{"\r\r\n"}, "\r\n\r\n"},
		{[]string{"\r\n\r"}, "\r\n\r\n"},
		{[]string{"\r\n\r\n"}, "\r\n\r\n"},
		{[]string{"line1\nline2\r\nline3\n"}, "line1\r\nline2\r\nline3\r\n"},
		{[]string{"\r", "\n"}, "\r\n"},
		{[]string{"\r\r", "\n"}, "\r\n\r\n"},
		{[]string{"\n\x00\n"}, "\r\n\x00\r\n"},
		{[]string{padding + "123456\r", "\n"}, padding + "123456\r\n"},
		{[]string{manyCR}, manyCRLF},
	}, nil)
}

func TestDoublePercentTransformer(t *testing.T) {
	t.Parallel()
	padding := strings.Repeat("1234567890", 409)
	manyPercent := strings.Repeat("%", 4096)
	runTransformCases(t, func() transform.Transformer { return &DoublePercentTransformer{} }, []transformCase{
		{[]string{""}, ""},
		{[]string{"%"}, "%%"},
		{[]string{" % "}, " %% "},
		{[]string{"%%"}, "%%%%"},
		{[]string{" ", "%"}, " %%"},
		{[]string{"%", "%"}, "%%%%"},
		{[]string{"%\x00%"}, "%%\x00%%"},
		{[]string{padding + "12345%", "%"}, padding + "12345%%%%"},
		{[]string{manyPercent}, manyPercent + manyPercent},
	}, nil)
}

func TestSkipDoublePercentTransformer(t *testing.T) {
	t.Parallel()
	padding := strings.Repeat("1234567890", 409)
	runTransformCases(t, func() transform.Transformer { return &SkipDoublePercentTransformer{} }, []transformCase{
		{[]string{""}, ""},
		{[]string{"%"}, "%"},
		{[]string{" % "}, " % "},
		{[]string{"%%"}, "%"},
		{[]string{"%", "%"}, "%"},
		{[]string{"%", "%", "%"}, "%%"},
		{[]string{"%%\x00%%"}, "%\x00%"},
		{[]string{padding + "12345%", "%"}, padding + "12345%"},
	}, nil)
}

func TestSMTPReplyTransformer(t *testing.T) {
	t.Parallel()
	manyLines := strings.Repeat("12\r\n", 786) + "12"
	wantManyLines := strings.Repeat("499-12\r\n", 786) + "499 12"
	runTransformCases(t, func() transform.Transformer { return &SMTPReplyTransformer{Code: 499} }, []transformCase{
		{[]string{""}, "499 "},
		{[]string{"", ""}, "499 "},
		{[]string{"4.3.999 testing"}, "499 4.3.999 testing"},
		{[]string{"line1\r\nline2"}, "499-line1\r\n499 line2"},
		{[]string{"line1\r\nline2\r\n"}, "499-line1\r\n499-line2\r\n499 "},
		{[]string{"line1\nline2"}, "499-line1\n499 line2"},
		{[]string{manyLines}, wantManyLines},
		{[]string{"4.3.999 testing\nline 2"}, "499-4.3.999 testing\n499 4.3.999 line 2"},
		{[]string{"4.3.999 testing\r\nline 2"}, "499-4.3.999 testing\r\n499 4.3.999 line 2"},
		{[]string{"10.3.999 testing\r\nline 2"}, "499-10.3.999 testing\r\n499 line 2"},
		{[]string{"4.1234.999 testing\r\nline 2"}, "499-4.1234.999 testing\r\n499 line 2"},
		{[]string{"4.1.9999 testing\r\nline 2"}, "499-4.1.9999 testing\r\n499 line 2"},
		{[]string{"5.3.999 testing\r\nline 2"}, "499-5.3.999 testing\r\n499 line 2"},
		{[]string{"4.03.1 testing\r\nline 2"}, "499-4.03.1 testing\r\n499 line 2"},
		{[]string{"4.3.009 testing\r\nline 2"}, "499-4.3.009 testing\r\n499 line 2"},
		{[]string{"4.a.1 testing\r\nline 2"}, "499-4.a.1 testing\r\n499 line 2"},
		{[]string{"4.1.1a testing\r\nline 2"}, "499-4.1.1a testing\r\n499 line 2"},
	}, nil)

	t.Run("cannot start with LF", func(t *testing.T) {
		t.Parallel()
		r, w := io.Pipe()
		go func() { _, _ = w.Write([]byte("\n")); _ = w.Close() }()
		if _, err := io.ReadAll(transform.NewReader(r, &SMTPReplyTransformer{Code: 499})); err == nil {
			t.Fatal("expected an error")
		}
	})
	t.Run("rejects an out-of-range code", func(t *testing.T) {
		t.Parallel()
		r, w := io.Pipe()
		go func() { _, _ = w.Write([]byte("\n")); _ = w.Close() }()
		if _, err := io.ReadAll(transform.NewReader(r, &SMTPReplyTransformer{Code: 9999})); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestMaximumLineLengthTransformer(t *testing.T) {
	t.Parallel()
	noLineOver20 := func(t *testing.T, _ transformCase, output string) {
		for _, line := range regexp.MustCompile("\r\n|\r|\n").Split(output, -1) {
			if len(line) > 20 {
				t.Fatalf("line exceeds 20 bytes: %q", line)
			}
		}
	}
	runTransformCases(t, func() transform.Transformer { return &MaximumLineLengthTransformer{MaximumLength: 20} }, []transformCase{
		{[]string{""}, ""},
		{[]string{"", ""}, ""},
		{[]string{"12345678901234567890123456789012"}, "12345678901234567\r\n890123456789012"},
		{[]string{"1234567890123456789012345678901234567890"}, "12345678901234567\r\n89012345678901234\r\n567890"},
		{[]string{"12345678901234567890\r\n12345678901234567890"}, "12345678901234567\r\n890\r\n12345678901234567\r\n890"},
		{[]string{"12345678901234567\r89012345678901234567890"}, "12345678901234567\r89012345678901234\r\n567890"},
		{[]string{"12345678901234567890\n12345678901234567890"}, "12345678901234567\r\n890\n12345678901234567\r\n890"},
		{[]string{"12345678901234567890", "\r\n12345678901234567890"}, "12345678901234567\r\n890\r\n12345678901234567\r\n890"},
		{[]string{"\r", "\n", "\r", "\n"}, "\r\n\r\n"},
		{[]string{"🚀🚀🚀🚀🚀"}, "🚀🚀🚀🚀🚀"},
		{[]string{"🚀🚀🚀1🚀🚀"}, "🚀🚀🚀1🚀\r\n🚀"},
		{[]string{"🚀🚀🚀12🚀🚀"}, "🚀🚀🚀12🚀\r\n🚀"},
		{[]string{"🚀🚀🚀123🚀🚀"}, "🚀🚀🚀123🚀\r\n🚀"},
		{[]string{"🚀🚀🚀1234🚀🚀"}, "🚀🚀🚀1234🚀\r\n🚀"},
		{[]string{"🚀🚀🚀12345🚀🚀"}, "🚀🚀🚀12345\r\n🚀🚀"},
	}, noLineOver20)

	t.Run("zero MaximumLength falls back to the default", func(t *testing.T) {
		t.Parallel()
		line := strings.Repeat(".", DefaultMaximumLineLength-utf8.UTFMax+1)
		got, _, err := transform.String(&MaximumLineLengthTransformer{}, line+line)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := line + "\r\n" + line; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
	t.Run("rejects a MaximumLength below the UTF-8 floor", func(t *testing.T) {
		t.Parallel()
		_, _, err := transform.String(&MaximumLineLengthTransformer{MaximumLength: 1}, "")
		if !errors.Is(err, errWrongMaximumLineLength) {
			t.Fatalf("got %v, want %v", err, errWrongMaximumLineLength)
		}
	})
	t.Run("accepts the minimum MaximumLength", func(t *testing.T) {
		t.Parallel()
		got, _, err := transform.String(&MaximumLineLengthTransformer{MaximumLength: 4}, "1234")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := "1\r\n2\r\n3\r\n4"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func TestCrLfToLf(t *testing.T) {
	cases := map[string]struct{ in, want string }{
		"empty":  {"", ""},
		"simple": {"\r\n", "\n"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if got := CrLfToLf(c.in); got != c.want {
				t.Errorf("CrLfToLf(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func streamViaPipe(t *testing.T, tr transform.Transformer, parts ...[]byte) ([]byte, error) {
	t.Helper()
	r, w := io.Pipe()
	go func() {
		for _, p := range parts {
			if _, err := w.Write(p); err != nil {
				_ = w.CloseWithError(err)
				return
			}
		}
		_ = w.Close()
	}()
	return io.ReadAll(transform.NewReader(r, tr))
}

func FuzzCrLfToLfTransformer_Transform(f *testing.F) {
	f.Add([]byte("\r\n"), []byte(""), true)
	f.Add([]byte("\r"), []byte("\n"), true)
	f.Add([]byte("one\r\ntwo"), []byte(""), true)
	f.Add([]byte("\r"), []byte(""), true)
	f.Add([]byte("one\rtwo"), []byte(""), true)
	f.Add([]byte("\n"), []byte(""), true)
	f.Add([]byte("one\ntwo"), []byte(""), true)
	f.Add([]byte("\r\r\n"), []byte(""), true)
	f.Add([]byte("\r\r"), []byte("\n"), true)
	f.Fuzz(func(t *testing.T, a, b []byte, writeEmpty bool) {
		var parts [][]byte
		if len(a) > 0 || writeEmpty {
			parts = append(parts, a)
		}
		if len(b) > 0 || writeEmpty {
			parts = append(parts, b)
		}
		output, err := streamViaPipe(t, &CrLfToLfTransformer{}, parts...)
		if err != nil {
			t.Fatal(err)
		}
		if len(output) > len(a)+len(b) {
			t.Fatalf("output grew: %d > %d", len(output), len(a)+len(b))
		}
		if bytes.Contains(output, []byte("\r\n")) {
			t.Fatal("output still contains CRLF")
		}
	})
}

func FuzzCrLfCanonicalizationTransformer_Transform(f *testing.F) {
	lineEnding := regexp.MustCompile("\r\n|\n\r|\r|\n")
	f.Add([]byte("\r\n"), []byte(""), true)
	f.Add([]byte("\r"), []byte("\n"), true)
	f.Add([]byte("one\r\ntwo"), []byte(""), true)
	f.Add([]byte("\r"), []byte(""), true)
	f.Add([]byte("one\rtwo"), []byte(""), true)
	f.Add([]byte("\n"), []byte(""), true)
	f.Add([]byte("one\ntwo"), []byte(""), true)
	f.Add([]byte("\r\r\n"), []byte(""), true)
	f.Add([]byte("\r\r"), []byte("\n"), true)
	f.Fuzz(func(t *testing.T, a, b []byte, writeEmpty bool) {
		var parts [][]byte
		if len(a) > 0 || writeEmpty {
			parts = append(parts, a)
		}
		if len(b) > 0 || writeEmpty {
			parts = append(parts, b)
		}
		output, err := streamViaPipe(t, &CrLfCanonicalizationTransformer{}, parts...)
		if err != nil {
			t.Fatal(err)
		}
		if len(output) < len(a)+len(b) {
			t.Fatalf("output shrank: %d < %d", len(output), len(a)+len(b))
		}
		for _, ending := range lineEnding.FindAll(output, -1) {
			if !bytes.Equal(ending, []byte("\r\n")) {
				t.Fatalf("found non-CRLF line ending: %q", ending)
			}
		}
	})
}

func FuzzMaximumLineLengthTransformer_Transform(f *testing.F) {
	lineEnding := regexp.MustCompile("\r\n|\n\r|\r|\n")
	f.Add(uint(20), []byte("\r\n"), []byte(""), true)
	f.Add(uint(4), []byte("\r"), []byte("\n"), true)
	f.Add(uint(20), []byte("one\r\ntwo"), []byte(""), true)
	f.Add(uint(20), []byte("\r"), []byte(""), true)
	f.Add(uint(20), []byte("one\rtwo"), []byte(""), true)
	f.Add(uint(20), []byte("\n"), []byte(""), true)
	f.Add(uint(20), []byte("one\ntwo"), []byte(""), true)
	f.Add(uint(20), []byte("\r\r\n"), []byte(""), true)
	f.Add(uint(20), []byte("\r\r"), []byte("\n"), true)
	f.Fuzz(func(t *testing.T, maxLen uint, a, b []byte, writeEmpty bool) {
		if maxLen < 4 {
			return
		}
		var parts [][]byte
		if len(a) > 0 || writeEmpty {
			parts = append(parts, a)
		}
		if len(b) > 0 || writeEmpty {
			parts = append(parts, b)
		}
		output, err := streamViaPipe(t, &MaximumLineLengthTransformer{MaximumLength: maxLen}, parts...)
		if err != nil {
			t.Fatal(err)
		}
		if len(output) < len(a)+len(b) {
			t.Fatalf("output shrank: %d < %d", len(output), len(a)+len(b))
		}
		for _, line := range lineEnding.Split(string(output), -1) {
			if len(line) > int(maxLen) {
				t.Fatalf("line exceeds %d bytes: %q", maxLen, line)
			}
		}
		if utf8.Valid(append(a, b...)) && !utf8.Valid(output) {
			t.Fatal("valid UTF-8 input produced invalid UTF-8 output")
		}
	})
}

func FuzzSkipDoublePercentTransformer_Transform(f *testing.F) {
	f.Add([]byte("%"), []byte("%"), true)
	f.Add([]byte("%%"), []byte(""), true)
	f.Add([]byte(""), []byte("%"), true)
	f.Add([]byte(""), []byte("%%"), true)
	f.Fuzz(func(t *testing.T, a, b []byte, writeEmpty bool) {
		var parts [][]byte
		if len(a) > 0 || writeEmpty {
			parts = append(parts, a)
		}
		if len(b) > 0 || writeEmpty {
			parts = append(parts, b)
		}
		output, err := streamViaPipe(t, &SkipDoublePercentTransformer{}, parts...)
		if err != nil {
			t.Fatal(err)
		}
		if len(output) > len(a)+len(b) {
			t.Fatalf("output grew: %d > %d", len(output), len(a)+len(b))
		}
		if bytes.Contains(output, []byte("%%")) {
			t.Fatal("output still contains a doubled percent")
		}
	})
}

func FuzzDoublePercentTransformer_Transform(f *testing.F) {
	lonePercent := regexp.MustCompile("[^%]%|%[^%]")
	f.Add([]byte("%"), []byte("%"), true)
	f.Add([]byte("%%"), []byte(""), true)
	f.Add([]byte(""), []byte("%"), true)
	f.Add([]byte(""), []byte("%%"), true)
	f.Fuzz(func(t *testing.T, a, b []byte, writeEmpty bool) {
		var parts [][]byte
		if len(a) > 0 || writeEmpty {
			parts = append(parts, a)
		}
		if len(b) > 0 || writeEmpty {
			parts = append(parts, b)
		}
		output, err := streamViaPipe(t, &DoublePercentTransformer{}, parts...)
		if err != nil {
			t.Fatal(err)
		}
		if len(output) < len(a)+len(b) {
			t.Fatalf("output shrank: %d < %d", len(output), len(a)+len(b))
		}
		if lonePercent.Match(output) {
			t.Fatal("found an un-doubled percent")
		}
	})
}

func FuzzSMTPReplyTransformer_Transform(f *testing.F) {
	f.Add([]byte("\r\n"), []byte(""), true)
	f.Add([]byte("\r"), []byte("\n"), true)
	f.Add([]byte("one\r\ntwo"), []byte(""), true)
	f.Add([]byte("\r"), []byte(""), true)
	f.Add([]byte("one\rtwo"), []byte(""), true)
	f.Add([]byte("\n"), []byte(""), true)
	f.Add([]byte("one\ntwo"), []byte(""), true)
	f.Add([]byte("\r\r\n"), []byte(""), true)
	f.Add([]byte("\r\r"), []byte("\n"), true)
	f.Add([]byte("a long line"), []byte("a long line"), true)
	f.Fuzz(func(t *testing.T, a, b []byte, writeEmpty bool) {
		r, w := io.Pipe()
		lineWriter := transform.NewWriter(w, &MaximumLineLengthTransformer{MaximumLength: 920})
		go func() {
			if len(a) > 0 || writeEmpty {
				if _, err := lineWriter.Write(a); err != nil {
					_ = w.CloseWithError(err)
					return
				}
			}
			if len(b) > 0 || writeEmpty {
				if _, err := lineWriter.Write(b); err != nil {
					_ = w.CloseWithError(err)
					return
				}
			}
			if err := lineWriter.Close(); err != nil {
				_ = w.CloseWithError(err)
			} else {
				_ = w.Close()
			}
		}()
		output, err := io.ReadAll(transform.NewReader(r, &SMTPReplyTransformer{Code: 300}))
		if err != nil {
			if err == errStartWithLF {
				return
			}
			t.Fatal(err)
		}
		if len(output) < len(a)+len(b) {
			t.Fatalf("output shrank: %d < %d", len(output), len(a)+len(b))
		}
		reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(output)))
		if _, _, err := reader.ReadResponse(300); err != nil {
			t.Fatalf("not a valid SMTP response: %q", output)
		}
	})
}
