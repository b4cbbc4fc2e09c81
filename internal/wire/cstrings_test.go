package wire

import (
	"reflect"
	"testing"
)

func TestDecodeCStrings(t *testing.T) {
	cases := map[string]struct {
		data []byte
		want []string
	}{
		"nil in, nil out":    {nil, nil},
		"empty in, nil out":  {[]byte{}, nil},
		"single string":      {[]byte("one\x00"), []string{"one"}},
		"two strings":        {[]byte("one\x00two\x00"), []string{"one", "two"}},
		"trailing empty":     {[]byte("one\x00\x00"), []string{"one", ""}},
		"leading empty":      {[]byte("\x00two\x00"), []string{"", "two"}},
		"all empty":          {[]byte("\x00\x00"), []string{"", ""}},
		"missing terminator": {[]byte("one"), []string{"one"}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if got := DecodeCStrings(c.data); !reflect.DeepEqual(got, c.want) {
				t.Errorf("DecodeCStrings(%q) = %v, want %v", c.data, got, c.want)
			}
		})
	}
}

func TestReadCString(t *testing.T) {
	cases := map[string]struct {
		data []byte
		want string
	}{
		"simple":         {[]byte("simple\x00"), "simple"},
		"trailing bytes": {[]byte("simple\x00garbage"), "simple"},
		"no terminator":  {[]byte("simple"), "simple"},
		"empty string":   {[]byte("\x00"), ""},
		"nil input":      {nil, ""},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if got := ReadCString(c.data); got != c.want {
				t.Errorf("ReadCString(%q) = %q, want %q", c.data, got, c.want)
			}
		})
	}
}

func TestAppendCString(t *testing.T) {
	cases := []struct {
		name string
		dest []byte
		s    string
		want []byte
	}{
		{"nil dest", nil, "append", []byte("append\x00")},
		{"empty dest", []byte{}, "append", []byte("append\x00")},
		{"non-empty dest", []byte("one\x00"), "append", []byte("one\x00append\x00")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := AppendCString(c.dest, c.s); !reflect.DeepEqual(got, c.want) {
				t.Errorf("AppendCString(%q, %q) = %q, want %q", c.dest, c.s, got, c.want)
			}
		})
	}
}
