package mining

import (
	"sync"
	"time"
)

// WaitResult says why a long-poll wait woke up.
type WaitResult int

const (
	// TipChanged: the chain tip no longer matches the watched token.
	TipChanged WaitResult = iota
	// MempoolChanged: the outer deadline passed and the mempool version
	// moved since the token was issued.
	MempoolChanged
	// ShutdownRequested: the node is stopping. Supersedes everything.
	ShutdownRequested
)

func (r WaitResult) String() string {
	switch r {
	case TipChanged:
		return "tip changed"
	case MempoolChanged:
		return "mempool changed"
	case ShutdownRequested:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Coordinator suspends template requesters until new work is genuinely
// available. It holds no locks while suspended; tip and mempool state are
// re-read on every wake.
//
// Tip changes must be fed in through Notify — the node wires a chain tip
// listener to it.
type Coordinator struct {
	chain   TipReader
	pool    VersionReader
	timeout time.Duration
	recheck time.Duration
	quit    <-chan struct{}

	mu   sync.Mutex
	wake chan struct{}
}

// NewCoordinator creates a long-poll coordinator. timeout is the outer
// deadline after which mempool changes qualify as new work; recheck is the
// extension applied when the deadline passes with nothing changed. quit
// ends all waits with ShutdownRequested.
func NewCoordinator(chainView TipReader, pool VersionReader, timeout, recheck time.Duration, quit <-chan struct{}) *Coordinator {
	return &Coordinator{
		chain:   chainView,
		pool:    pool,
		timeout: timeout,
		recheck: recheck,
		quit:    quit,
		wake:    make(chan struct{}),
	}
}

// Notify wakes every suspended waiter so it can re-evaluate its token.
// Safe to call from any goroutine, including chain event callbacks.
func (co *Coordinator) Notify() {
	co.mu.Lock()
	close(co.wake)
	co.wake = make(chan struct{})
	co.mu.Unlock()
}

func (co *Coordinator) wakeCh() <-chan struct{} {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.wake
}

// Wait suspends until the watched tip changes, the mempool qualifies as
// changed after the outer deadline, or shutdown is requested. The caller
// answers with current state regardless of which result it gets.
func (co *Coordinator) Wait(token Token) WaitResult {
	deadline := time.NewTimer(co.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-co.quit:
			return ShutdownRequested
		default:
		}
		// Grab the wake channel before reading the tip: a Notify after the
		// grab closes the channel we select on, a Notify before it is seen
		// by the tip comparison. Either way no change is lost.
		ch := co.wakeCh()

		if co.chain.Tip().Hash != token.TipHash {
			return TipChanged
		}

		select {
		case <-co.quit:
			return ShutdownRequested
		case <-ch:
			// Re-evaluate the tip.
		case <-deadline.C:
			if co.pool.Version() != token.Version {
				return MempoolChanged
			}
			deadline.Reset(co.recheck)
		}
	}
}
