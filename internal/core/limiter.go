package core

// limiter.go bounds how many import jobs run at once.
//
// Jobs take a slot from a buffered channel. When every slot is taken a new
// job waits up to maxWait and then fails with ErrTooManyImports. Drain stops
// admitting jobs and waits for the running ones, which is what shutdown
// needs before the pool is closed.

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTooManyImports is returned when no slot frees up within the wait
	// time. Callers should retry later.
	ErrTooManyImports = errors.New("too many concurrent imports, please try again later")

	// ErrDraining is returned by Acquire once Drain has been called.
	ErrDraining = errors.New("import limiter is draining")
)

// JobLimiter is a counting semaphore for import jobs.
type JobLimiter struct {
	slots   chan struct{}
	maxWait time.Duration

	mu       sync.Mutex
	active   int
	draining bool
	idle     chan struct{} // closed while active == 0
}

// NewJobLimiter allows at most maxConcurrent jobs. Non-positive arguments
// fall back to 1 job and a 30 second wait.
func NewJobLimiter(maxConcurrent int, maxWait time.Duration) *JobLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	idle := make(chan struct{})
	close(idle)
	return &JobLimiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
		idle:    idle,
	}
}

// Acquire takes a slot. The caller must Release it exactly once.
func (l *JobLimiter) Acquire(ctx context.Context) error {
	if l.isDraining() {
		return ErrDraining
	}

	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTooManyImports
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draining {
		<-l.slots
		return ErrDraining
	}
	if l.active == 0 {
		l.idle = make(chan struct{})
	}
	l.active++
	return nil
}

// Release returns a slot taken by Acquire.
func (l *JobLimiter) Release() {
	l.mu.Lock()
	l.active--
	if l.active == 0 {
		close(l.idle)
	}
	l.mu.Unlock()
	<-l.slots
}

// Active returns the number of running jobs.
func (l *JobLimiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Available returns the number of free slots.
func (l *JobLimiter) Available() int {
	return cap(l.slots) - len(l.slots)
}

// MaxConcurrent returns the slot count.
func (l *JobLimiter) MaxConcurrent() int {
	return cap(l.slots)
}

// Drain stops admitting jobs and blocks until the running ones release
// their slots or ctx ends.
func (l *JobLimiter) Drain(ctx context.Context) error {
	l.mu.Lock()
	l.draining = true
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *JobLimiter) isDraining() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}
