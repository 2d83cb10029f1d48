package aerogpu

import (
	"sync"
	"time"
)

// SubmissionRecord describes one published submission for debugging.
type SubmissionRecord struct {
	Fence     uint64
	ContextID uint32
	Engine    uint32
	Packets   uint32
	Bytes     uint32
	Present   bool
	Time      time.Time
}

// submissionLog is a fixed-size ring of recent submissions. It exists for
// postmortems: when the device reports a faulting fence, the log says what
// that submission was.
type submissionLog struct {
	mu   sync.Mutex
	buf  []SubmissionRecord
	next int
	full bool
}

func newSubmissionLog(size int) *submissionLog {
	if size < 1 {
		size = 1
	}
	return &submissionLog{buf: make([]SubmissionRecord, size)}
}

func (l *submissionLog) Add(rec SubmissionRecord) {
	l.mu.Lock()
	l.buf[l.next] = rec
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()
}

// Records returns the logged submissions, oldest first.
func (l *submissionLog) Records() []SubmissionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]SubmissionRecord, l.next)
		copy(out, l.buf[:l.next])
		return out
	}
	out := make([]SubmissionRecord, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}
