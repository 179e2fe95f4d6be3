// Package lock implements the engine-wide single-writer/multi-reader discipline:
// a shared (read) mode with multiple holders, an exclusive (write) mode
// with a single holder, timeout-bound acquisition, and a monotonic change counter
// that lets a fresh reader detect it must avoid a dirty read.
package lock

import (
	"sync"
	"time"

	"github.com/duskdb/duskdb/dberr"
)

// DefaultTimeout is used when a caller passes a non-positive timeout to Acquire.
const DefaultTimeout = 5 * time.Second

// Locker coordinates one engine's readers and writer. It does not itself know about
// pages or transactions — AvoidDirtyRead is a caller-supplied callback invoked when
// a reader must discard its cache.
type Locker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	writer  bool

	changeCounter uint64

	onAvoidDirtyRead func()
}

// New creates a Locker. onAvoidDirtyRead is called (without the Locker's internal
// mutex held) whenever a reader's acquire observes a newer commit than it last saw.
func New(onAvoidDirtyRead func()) *Locker {
	l := &Locker{onAvoidDirtyRead: onAvoidDirtyRead}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Mode selects which discipline Acquire applies.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// Handle is returned by Acquire and must be passed to Release exactly once.
type Handle struct {
	mode     Mode
	lastSeen uint64
}

// Acquire blocks until the requested mode is available or timeout elapses. A
// non-positive timeout uses DefaultTimeout. For Shared acquisitions, lastSeen is the
// caller's previously observed change counter (0 on a caller's first acquire); if
// the engine's counter has advanced since, AvoidDirtyRead is invoked before Acquire
// returns, satisfying snapshot-at-acquire semantics.
func (l *Locker) Acquire(mode Mode, lastSeen uint64, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	acquired := make(chan struct{})
	go func() {
		l.mu.Lock()
		for !l.canAcquire(mode) {
			l.cond.Wait()
		}
		l.grant(mode)
		l.mu.Unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
		h := &Handle{mode: mode}
		if mode == Shared {
			l.mu.Lock()
			current := l.changeCounter
			l.mu.Unlock()
			if current != lastSeen {
				if l.onAvoidDirtyRead != nil {
					l.onAvoidDirtyRead()
				}
			}
			h.lastSeen = current
		}
		return h, nil
	case <-time.After(timeout):
		// The waiting goroutine may still be granted the mode later; release that
		// grant as soon as it happens, since no caller holds a Handle for it.
		go func() {
			<-acquired
			l.Release(&Handle{mode: mode})
		}()
		return nil, dberr.ErrLockTimeout
	}
}

func (l *Locker) canAcquire(mode Mode) bool {
	if l.writer {
		return false
	}
	if mode == Exclusive && l.readers > 0 {
		return false
	}
	return true
}

func (l *Locker) grant(mode Mode) {
	if mode == Exclusive {
		l.writer = true
		return
	}
	l.readers++
}

// Release gives up the mode held by h. For an Exclusive handle, it bumps the change
// counter so subsequently-acquiring readers know to avoid a dirty read.
func (l *Locker) Release(h *Handle) {
	l.mu.Lock()
	switch h.mode {
	case Exclusive:
		l.writer = false
		l.changeCounter++
	case Shared:
		if l.readers > 0 {
			l.readers--
		}
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

// LastSeen returns the change counter observed when h was acquired, for the caller
// to pass back into its next Acquire(Shared, ...) call.
func (h *Handle) LastSeen() uint64 { return h.lastSeen }
