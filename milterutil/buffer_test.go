package milterutil_test

import (
	"io"
	"reflect"
	"testing"

	"github.com/rspamd/go-milterd/milterutil"
)

func feedReader(chunks []string) io.Reader {
	r, w := io.Pipe()
	go func() {
		for _, c := range chunks {
			if _, err := w.Write([]byte(c)); err != nil {
				_ = w.CloseWithError(err)
				return
			}
		}
		_ = w.Close()
	}()
	return r
}

func TestFixedBufferScanner_Chunking(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		bufferSize uint32
		writes     []string
		want       []string
	}{
		{"no input", 64 * 1024, nil, nil},
		{"shorter than buffer", 10, []string{"12345"}, []string{"12345"}},
		{"one write spans two chunks", 10, []string{"12345678901234567890"}, []string{"1234567890", "1234567890"}},
		{"many small writes fill a chunk", 10, []string{"12345", "678901", "234567890"}, []string{"1234567890", "1234567890"}},
		{"final chunk is short", 10, []string{"12345", "678901", "2345"}, []string{"1234567890", "12345"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			scanner := milterutil.GetFixedBufferScanner(c.bufferSize, feedReader(c.writes))
			defer scanner.Close()

			var got []string
			for scanner.Scan() {
				got = append(got, string(scanner.Bytes()))
			}
			if scanner.Err() != nil {
				t.Fatalf("unexpected error: %v", scanner.Err())
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("chunks = %v, want %v", got, c.want)
			}
		})
	}
}

func benchmarkScanner(b *testing.B, bufferSize uint32, writeSize, writeCount int) {
	payload := make([]byte, writeSize)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			r, w := io.Pipe()
			go func() {
				for i := 0; i < writeCount; i++ {
					if _, err := w.Write(payload); err != nil {
						_ = w.CloseWithError(err)
						return
					}
				}
				_ = w.Close()
			}()
			scanner := milterutil.GetFixedBufferScanner(bufferSize, r)
			for scanner.Scan() {
			}
			if scanner.Err() != nil {
				scanner.Close()
				b.Fatal(scanner.Err())
			}
			scanner.Close()
			b.SetBytes(int64(writeSize * writeCount))
		}
	})
}

func BenchmarkFixedBufferScanner_64K(b *testing.B) {
	const bufSize = uint32(1024*64 - 1)
	b.Run("1K_writes", func(b *testing.B) { benchmarkScanner(b, bufSize, 1024, 4096) })
	b.Run("4K_writes", func(b *testing.B) { benchmarkScanner(b, bufSize, 4096, 1024) })
	b.Run("8K_writes", func(b *testing.B) { benchmarkScanner(b, bufSize, 8192, 512) })
	b.Run("32K_writes", func(b *testing.B) { benchmarkScanner(b, bufSize, 32*1024, 128) })
}

func BenchmarkFixedBufferScanner_1M(b *testing.B) {
	const bufSize = uint32(1024*1024 - 1)
	b.Run("1K_writes", func(b *testing.B) { benchmarkScanner(b, bufSize, 1024, 4096) })
	b.Run("4K_writes", func(b *testing.B) { benchmarkScanner(b, bufSize, 4096, 1024) })
	b.Run("8K_writes", func(b *testing.B) { benchmarkScanner(b, bufSize, 8192, 512) })
	b.Run("32K_writes", func(b *testing.B) { benchmarkScanner(b, bufSize, 32*1024, 128) })
}
