package spawner

import (
	"bytes"
	"sync"
)

// ringBuffer is a thread-safe buffer that keeps only the last max bytes
// written to it. Used to capture a CLI subprocess's stderr for diagnostics
// without unbounded memory growth. Ported from the teacher's
// internal/infra/engine/subprocess.go limitedBuffer.
type ringBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *ringBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		b.buf.Reset()
		b.buf.Write(data[len(data)-b.max:])
	}
	return n, err
}

func (b *ringBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
