package statussync

// DefaultBufferSize caps the log tail shown for a session.
const DefaultBufferSize = 200

// LogBuffer keeps the newest log lines first and drops the oldest once full.
// It is not safe for concurrent use; Session guards it.
type LogBuffer struct {
	capacity int
	lines    []string
}

// NewLogBuffer returns an empty buffer; capacity <= 0 selects DefaultBufferSize.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &LogBuffer{capacity: capacity, lines: make([]string, 0, capacity)}
}

// Prepend puts a batch on top, keeping the batch's own order.
func (b *LogBuffer) Prepend(batch ...string) {
	if len(batch) == 0 {
		return
	}
	if len(batch) >= b.capacity {
		b.lines = append(b.lines[:0], batch[:b.capacity]...)
		return
	}
	keep := len(b.lines)
	if keep+len(batch) > b.capacity {
		keep = b.capacity - len(batch)
	}
	next := make([]string, 0, b.capacity)
	next = append(next, batch...)
	next = append(next, b.lines[:keep]...)
	b.lines = next
}

// Lines returns a copy, newest first.
func (b *LogBuffer) Lines() []string { return append([]string{}, b.lines...) }

// Len is the number of buffered lines.
func (b *LogBuffer) Len() int { return len(b.lines) }

// Cap is the configured capacity.
func (b *LogBuffer) Cap() int { return b.capacity }
