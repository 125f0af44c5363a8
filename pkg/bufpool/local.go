package bufpool

// Local is a single-owner pool with the same contract as Pool. It must only
// be used by one goroutine.
type Local struct {
	size  int
	max   int
	stack []*Buffer

	allocs uint64
	drops  uint64
}

func NewLocal(bufferSize, initial, max int) *Local {
	if max < 1 {
		max = 1
	}
	if initial > max {
		initial = max
	}
	l := &Local{
		size:  bufferSize,
		max:   max,
		stack: make([]*Buffer, 0, max),
	}
	for i := 0; i < initial; i++ {
		l.stack = append(l.stack, &Buffer{B: make([]byte, bufferSize)})
	}
	return l
}

func (l *Local) BufferSize() int {
	return l.size
}

func (l *Local) Acquire() *Buffer {
	if n := len(l.stack); n > 0 {
		b := l.stack[n-1]
		l.stack[n-1] = nil
		l.stack = l.stack[:n-1]
		b.B = b.B[:l.size]
		clear(b.B)
		return b
	}
	l.allocs++
	return &Buffer{B: make([]byte, l.size)}
}

func (l *Local) Release(b *Buffer) bool {
	if b == nil {
		return false
	}
	if cap(b.B) < l.size || len(l.stack) >= l.max {
		l.drops++
		return false
	}
	l.stack = append(l.stack, b)
	return true
}

func (l *Local) Len() int {
	return len(l.stack)
}

func (l *Local) Utilization() float64 {
	return float64(len(l.stack)) / float64(l.max)
}

func (l *Local) Allocs() uint64 {
	return l.allocs
}

func (l *Local) Drops() uint64 {
	return l.drops
}
