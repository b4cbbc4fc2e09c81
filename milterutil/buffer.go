// Package milterutil holds the string, buffering, and SMTP-reply-formatting
// helpers shared by the wire codec and the verdict translator: nothing here
// depends on a live connection.
package milterutil

import (
	"bufio"
	"io"
	"sync"
)

// FixedBufferScanner wraps a [bufio.Scanner] so it yields chunks of exactly
// bufferSize bytes from an [io.Reader], except for a final short chunk at
// EOF. Modifier.ReplaceBody uses this to split a message body into
// packet-sized pieces and sends each one with ReplaceBodyRawChunk.
type FixedBufferScanner struct {
	bufferSize uint32
	buffer     []byte
	scanner    *bufio.Scanner
	pool       *sync.Pool
}

func (f *FixedBufferScanner) init(pool *sync.Pool, r io.Reader) {
	chunkSize := int(f.bufferSize)
	f.pool = pool
	f.scanner = bufio.NewScanner(r)
	f.scanner.Buffer(f.buffer, chunkSize)
	f.scanner.Split(func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if len(data) >= chunkSize {
			return chunkSize, data[0:chunkSize], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil // need more data before we can emit a token
	})
}

// Scan advances to the next chunk, reporting whether one is available.
func (f *FixedBufferScanner) Scan() bool {
	return f.scanner.Scan()
}

// Bytes returns the chunk most recently produced by Scan.
func (f *FixedBufferScanner) Bytes() []byte {
	return f.scanner.Bytes()
}

// Err returns the first non-EOF error Scan encountered.
func (f *FixedBufferScanner) Err() error {
	return f.scanner.Err()
}

// Close returns the scanner to its shared pool. It does not close the
// underlying [io.Reader]; the caller owns that.
func (f *FixedBufferScanner) Close() {
	f.pool.Put(f)
}

var (
	scannerPools     map[uint32]*sync.Pool
	scannerPoolsLock sync.RWMutex
	scannerPoolsInit sync.Once
)

func newScannerPool(bufferSize uint32) *sync.Pool {
	return &sync.Pool{New: func() interface{} {
		return &FixedBufferScanner{bufferSize: bufferSize, buffer: make([]byte, bufferSize)}
	}}
}

// wire's three legal DataSize values get a pool each up front, since every
// negotiated connection will need one of them.
func initScannerPools() {
	scannerPoolsLock.Lock()
	defer scannerPoolsLock.Unlock()
	scannerPools = map[uint32]*sync.Pool{
		1024*64 - 1:   newScannerPool(1024*64 - 1),
		1024*256 - 1:  newScannerPool(1024*256 - 1),
		1024*1024 - 1: newScannerPool(1024*1024 - 1),
	}
}

// GetFixedBufferScanner returns a [FixedBufferScanner] reading from r in
// bufferSize-byte chunks, pulled from (or added to) a pool shared across
// calls with the same bufferSize. Call Close when done with it.
func GetFixedBufferScanner(bufferSize uint32, r io.Reader) *FixedBufferScanner {
	scannerPoolsInit.Do(initScannerPools)

	scannerPoolsLock.RLock()
	pool := scannerPools[bufferSize]
	scannerPoolsLock.RUnlock()

	if pool == nil {
		scannerPoolsLock.Lock()
		if pool = scannerPools[bufferSize]; pool == nil {
			pool = newScannerPool(bufferSize)
			scannerPools[bufferSize] = pool
		}
		scannerPoolsLock.Unlock()
	}

	scanner := pool.Get().(*FixedBufferScanner)
	scanner.init(pool, r)
	return scanner
}
