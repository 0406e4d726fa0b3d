package launcher

import "sync"

// outputTail keeps the last N lines written by the vendor process so a failed
// launch can report what the application printed before it died.
//
// Example with capacity 3:
//
//	write("A") -> [A, _, _]  next=1, n=1
//	write("B") -> [A, B, _]  next=2, n=2
//	write("C") -> [A, B, C]  next=0, n=3
//	write("D") -> [D, B, C]  next=1, n=3 (A dropped)
type outputTail struct {
	mu    sync.RWMutex
	lines []string
	next  int
	n     int
}

const defaultTailLines = 200

func newOutputTail(capacity int) *outputTail {
	if capacity <= 0 {
		capacity = defaultTailLines
	}
	return &outputTail{lines: make([]string, capacity)}
}

func (t *outputTail) write(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.n < len(t.lines) {
		t.n++
	}
}

// last returns up to max of the newest lines, oldest first. max <= 0 returns all.
func (t *outputTail) last(max int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := t.n
	if max > 0 && max < count {
		count = max
	}
	out := make([]string, count)
	start := (t.next - count + len(t.lines)) % len(t.lines)
	for i := 0; i < count; i++ {
		out[i] = t.lines[(start+i)%len(t.lines)]
	}
	return out
}
