package syncengine

import (
	"context"
	"errors"
	"sync"

	"github.com/mbsyncgo/mbsyncgo/internal/syncstate"
)

// DriverKind classifies a driver failure per spec.md §7's taxonomy. Unlike
// the teacher's substring-matched IsConnectionError heuristic
// (internal/imap/pool.go), this is a typed, sentinel-comparable error so
// call sites branch on errors.As instead of string matching.
type DriverKind int

const (
	// KindMsgBad is a transient per-message failure (DRV_MSG_BAD).
	KindMsgBad DriverKind = iota
	// KindBoxBad is a per-mailbox fatal failure (DRV_BOX_BAD).
	KindBoxBad
	// KindStoreBad is a per-store fatal failure (network drop, auth lost).
	KindStoreBad
)

// DriverError wraps a driver-reported failure with its taxonomy classification.
type DriverError struct {
	Kind DriverKind
	Side syncstate.Side
	Err  error
}

func (e *DriverError) Error() string {
	return e.Err.Error()
}

func (e *DriverError) Unwrap() error { return e.Err }

// asDriverError extracts a *DriverError from err, if any.
func asDriverError(err error) (*DriverError, bool) {
	var de *DriverError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// cancelController is the reference-counted shutdown replacement the spec's
// Design Notes call for: a context.CancelFunc plus a WaitGroup join instead
// of the original's ad hoc sync_ref/sync_deref counting.
type cancelController struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	badSides [2]bool
	ret      RetCode
}

func newCancelController(cancel context.CancelFunc) *cancelController {
	return &cancelController{cancel: cancel}
}

// track registers one in-flight driver call; call the returned func when it
// completes. Mirrors sync_ref/sync_deref but can never be unbalanced since
// the caller gets a single release closure instead of a raw counter.
func (c *cancelController) track() func() {
	c.wg.Add(1)
	return c.wg.Done
}

// wait blocks until every tracked call has released.
func (c *cancelController) wait() { c.wg.Wait() }

// markBad marks a side as SYNC_BAD and cancels the whole channel context,
// which any in-flight driver call should observe and abort from.
func (c *cancelController) markBad(side syncstate.Side) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.badSides[side] {
		return
	}
	c.badSides[side] = true
	c.ret |= badBit(side)
	c.cancel()
}

func (c *cancelController) result() RetCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ret
}

func (c *cancelController) addResult(r RetCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ret |= r
}
