package chain

import (
	"sync"

	"github.com/veridium-tech/veridium-chain/pkg/types"
)

// Outcome is the result of fully checking a block against consensus rules.
type Outcome struct {
	Status Status
	// Reason is a short reject code ("bad-txnmrklroot", "bad-diffbits", ...)
	// set when Status is StatusInvalid, or an error description when the
	// check could not complete.
	Reason string
	// Err is set when validation aborted due to an internal failure
	// (storage I/O and the like) rather than a rule violation.
	Err error
}

// CheckObserver receives the outcome of a block check. Observers are called
// synchronously, after the chain lock is released.
type CheckObserver func(hash types.Hash, outcome Outcome)

// TipListener is notified when the chain tip changes (new block connected
// or reorg completed).
type TipListener func(tip Tip)

// observers fans block-check outcomes and tip changes out to subscribers.
// Separate from Chain.mu: callbacks run without the chain lock held, so a
// listener may call back into the chain.
type observers struct {
	mu     sync.Mutex
	nextID int
	checks map[int]CheckObserver
	tips   map[int]TipListener
}

func newObservers() *observers {
	return &observers{
		checks: make(map[int]CheckObserver),
		tips:   make(map[int]TipListener),
	}
}

func (o *observers) addCheck(fn CheckObserver) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.checks[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.checks, id)
	}
}

func (o *observers) addTip(fn TipListener) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.tips[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.tips, id)
	}
}

func (o *observers) notifyCheck(hash types.Hash, outcome Outcome) {
	o.mu.Lock()
	fns := make([]CheckObserver, 0, len(o.checks))
	for _, fn := range o.checks {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(hash, outcome)
	}
}

func (o *observers) notifyTip(tip Tip) {
	o.mu.Lock()
	fns := make([]TipListener, 0, len(o.tips))
	for _, fn := range o.tips {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(tip)
	}
}

// ObserveChecks registers a callback fired after every full block check.
// The returned function unsubscribes; it is safe to call more than once.
func (c *Chain) ObserveChecks(fn CheckObserver) (unsubscribe func()) {
	return c.events.addCheck(fn)
}

// OnTipChange registers a callback fired after every tip change.
// The returned function unsubscribes; it is safe to call more than once.
func (c *Chain) OnTipChange(fn TipListener) (unsubscribe func()) {
	return c.events.addTip(fn)
}
