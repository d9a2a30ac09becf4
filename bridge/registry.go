package bridge

import (
	"fmt"
	"sync"
	"time"
)

// PendingCall is the registry's record of a request waiting for its reply
type PendingCall struct {
	ID        string
	Method    string
	CreatedAt time.Time
	Deadline  time.Time
	done      chan Outcome
}

// Done returns the channel that receives the call's single outcome
func (p *PendingCall) Done() <-chan Outcome {
	return p.done
}

// PendingCallInfo is a read-only view of a pending call
type PendingCallInfo struct {
	ID        string
	Method    string
	CreatedAt time.Time
	Deadline  time.Time
}

// Registry maps correlation IDs to pending calls. It is the only owner of that
// mapping; every removal path goes through retire, so a call leaves the
// registry exactly once.
type Registry struct {
	mu       sync.Mutex
	calls    map[string]*PendingCall
	capacity int
}

// NewRegistry creates a registry holding at most capacity pending calls.
// A capacity of zero or less means unbounded.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		calls:    make(map[string]*PendingCall),
		capacity: capacity,
	}
}

// Register creates a pending call for id
func (r *Registry) Register(id, method string, deadline time.Time) (*PendingCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if r.capacity > 0 && len(r.calls) >= r.capacity {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyPending, r.capacity)
	}

	call := &PendingCall{
		ID:        id,
		Method:    method,
		CreatedAt: time.Now(),
		Deadline:  deadline,
		done:      make(chan Outcome, 1),
	}
	r.calls[id] = call
	return call, nil
}

// Resolve retires the call and delivers outcome. It returns false when no call
// with id is pending.
func (r *Registry) Resolve(id string, outcome Outcome) bool {
	return r.retire(id, func(*PendingCall) Outcome { return outcome })
}

// Expire retires the call with a timeout outcome
func (r *Registry) Expire(id string) bool {
	return r.retire(id, func(call *PendingCall) Outcome {
		return Timeout(fmt.Errorf("no reply within %v", call.Deadline.Sub(call.CreatedAt).Round(time.Millisecond)))
	})
}

// Cancel retires the call with a cancellation outcome
func (r *Registry) Cancel(id string, cause error) bool {
	return r.retire(id, func(*PendingCall) Outcome { return Cancelled(cause) })
}

// FailAll retires every pending call with a transport failure and returns how many were failed
func (r *Registry) FailAll(cause error) int {
	r.mu.Lock()
	calls := r.calls
	r.calls = make(map[string]*PendingCall)
	r.mu.Unlock()

	for _, call := range calls {
		call.done <- TransportFailure(cause)
	}
	return len(calls)
}

// Len returns the number of pending calls
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Capacity returns the configured limit, zero when unbounded
func (r *Registry) Capacity() int {
	return r.capacity
}

// Pending returns a snapshot of the pending calls
func (r *Registry) Pending() []PendingCallInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]PendingCallInfo, 0, len(r.calls))
	for _, call := range r.calls {
		infos = append(infos, PendingCallInfo{
			ID:        call.ID,
			Method:    call.Method,
			CreatedAt: call.CreatedAt,
			Deadline:  call.Deadline,
		})
	}
	return infos
}

func (r *Registry) retire(id string, outcome func(*PendingCall) Outcome) bool {
	r.mu.Lock()
	call, exists := r.calls[id]
	if exists {
		delete(r.calls, id)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	// done has room for exactly one value and only the goroutine that removed
	// the call from the map sends on it
	call.done <- outcome(call)
	return true
}
