package media

// Buffer collects 16bit PCM samples into fixed size chunks.
// Not safe for concurrent use.
type (
	Buffer struct {
		s  Samples
		wi int
	}
	OnFull  func(s Samples)
	Samples []int16
)

func NewBuffer(numSamples int) Buffer { return Buffer{s: make(Samples, max(numSamples, 1))} }

// Write copies s into the buffer and calls onFull every time the
// buffer fills up. The chunk passed to onFull is reused afterwards.
func (b *Buffer) Write(s Samples, onFull OnFull) (r int) {
	for r < len(s) {
		w := copy(b.s[b.wi:], s[r:])
		r += w
		b.wi += w
		if b.wi == len(b.s) {
			b.wi = 0
			if onFull != nil {
				onFull(b.s)
			}
		}
	}
	return
}

// Len is the number of pending samples.
func (b *Buffer) Len() int { return b.wi }

// Flush passes the pending samples, if any, to fn and empties the buffer.
func (b *Buffer) Flush(fn OnFull) {
	if b.wi == 0 {
		return
	}
	pending := b.s[:b.wi]
	b.wi = 0
	if fn != nil {
		fn(pending)
	}
}
