package market

// Buffer is a fixed-capacity, time-ordered candle ring. Not safe for
// concurrent use; the owning hub serializes access.
type Buffer struct {
	data  []Candle
	start int
	n     int
}

// NewBuffer allocates a ring holding at most capacity candles.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 300
	}
	return &Buffer{data: make([]Candle, capacity)}
}

// Len reports stored candles.
func (b *Buffer) Len() int { return b.n }

// Cap reports the ring capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Apply merges c into the buffer. A candle with the same open time as the
// newest replaces it in place; a newer one is appended, evicting the oldest
// when full. Older candles are dropped and Apply returns false.
func (b *Buffer) Apply(c Candle) bool {
	if b.n > 0 {
		last := b.index(b.n - 1)
		switch {
		case c.OpenTime == b.data[last].OpenTime:
			b.data[last] = c
			return true
		case c.OpenTime < b.data[last].OpenTime:
			return false
		}
	}
	if b.n < len(b.data) {
		b.data[b.index(b.n)] = c
		b.n++
		return true
	}
	b.data[b.start] = c
	b.start = (b.start + 1) % len(b.data)
	return true
}

// Last returns the newest candle.
func (b *Buffer) Last() (Candle, bool) {
	if b.n == 0 {
		return Candle{}, false
	}
	return b.data[b.index(b.n-1)], true
}

// Candles returns an oldest-first copy.
func (b *Buffer) Candles() []Candle {
	out := make([]Candle, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.data[b.index(i)]
	}
	return out
}

func (b *Buffer) index(i int) int {
	return (b.start + i) % len(b.data)
}
