package procexec

import "sync"

// limitedBuffer keeps the first max bytes written to it and marks truncation.
type limitedBuffer struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{
		max:  max,
		data: make([]byte, 0, max),
	}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - len(b.data)
	switch {
	case remaining <= 0:
		if len(p) > 0 {
			b.truncated = true
		}
	case len(p) <= remaining:
		b.data = append(b.data, p...)
	default:
		b.data = append(b.data, p[:remaining]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.truncated {
		return string(b.data)
	}
	const marker = "...[truncated]"
	if len(b.data) <= len(marker) {
		return string(b.data)
	}
	return string(b.data[:len(b.data)-len(marker)]) + marker
}
