package network

import (
	"sync"
	"time"
)

// MaxResponseSize is the largest response a single client transaction may
// wait for. Larger expectations fail immediately with Timeout.
const MaxResponseSize = 512

// TransactionState is the lifecycle state of a ClientTransaction.
type TransactionState int

const (
	StateIdle TransactionState = iota
	StateScheduled
	StateWaiting
	StateDone
	StateTimeout
)

var transactionStateStrings = map[TransactionState]string{
	StateIdle:      "idle",
	StateScheduled: "scheduled",
	StateWaiting:   "waiting",
	StateDone:      "done",
	StateTimeout:   "timeout",
}

// String returns the string representation of TransactionState.
func (s TransactionState) String() string {
	if str, ok := transactionStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes TransactionState as a JSON string (e.g. "done").
func (s TransactionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Terminal reports whether no further transitions will happen.
func (s TransactionState) Terminal() bool {
	return s == StateDone || s == StateTimeout
}

// ResponseValidator decides whether a fully received response is acceptable.
// It runs on the connection's worker goroutine.
type ResponseValidator func(clientID uint32, response []byte) bool

// AcceptAnyResponse accepts every response of the expected size.
func AcceptAnyResponse(uint32, []byte) bool { return true }

// ClientTransaction is one request/response exchange with a single client.
// It moves Idle -> Scheduled -> (Waiting) -> Done|Timeout exactly once;
// reuse means creating a new instance.
type ClientTransaction struct {
	request      []byte
	responseSize int
	validator    ResponseValidator

	mu           sync.Mutex
	state        TransactionState
	response     []byte
	requestTime  time.Time
	responseTime time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// NewClientTransaction creates a transaction writing request and, when
// responseSize is non-zero, reading exactly that many bytes back. A nil
// validator accepts any response.
func NewClientTransaction(request []byte, responseSize int, validator ResponseValidator) *ClientTransaction {
	if validator == nil {
		validator = AcceptAnyResponse
	}
	if responseSize < 0 {
		responseSize = 0
	}
	return &ClientTransaction{
		request:      request,
		responseSize: responseSize,
		validator:    validator,
		done:         make(chan struct{}),
	}
}

// WaitUntil blocks until the transaction completes or the deadline passes.
// It returns true only if the transaction reached Done.
func (t *ClientTransaction) WaitUntil(deadline time.Time) bool {
	select {
	case <-t.done:
		return t.State() == StateDone
	default:
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.State() == StateDone
	case <-timer.C:
		return false
	}
}

// Done returns a channel closed when the transaction reaches a terminal state.
func (t *ClientTransaction) Done() <-chan struct{} {
	return t.done
}

// Response returns the received bytes, or nil unless the state is Done.
func (t *ClientTransaction) Response() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateDone {
		return nil
	}
	return t.response
}

// State returns the current state.
func (t *ClientTransaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RTT returns the round trip time, or zero when no response was awaited.
func (t *ClientTransaction) RTT() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.requestTime.IsZero() || t.responseTime.IsZero() {
		return 0
	}
	return t.responseTime.Sub(t.requestTime)
}

// RequestTime returns when the request was written.
func (t *ClientTransaction) RequestTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requestTime
}

// ResponseTime returns when the response read finished.
func (t *ClientTransaction) ResponseTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responseTime
}

// ResponseSize returns the number of bytes expected back.
func (t *ClientTransaction) ResponseSize() int {
	return t.responseSize
}

func (t *ClientTransaction) schedule() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return false
	}
	t.state = StateScheduled
	return true
}

func (t *ClientTransaction) markSent(at time.Time) {
	t.mu.Lock()
	t.requestTime = at
	t.mu.Unlock()
}

func (t *ClientTransaction) markWaiting() {
	t.mu.Lock()
	t.state = StateWaiting
	t.mu.Unlock()
}

// complete records the response time and finalizes. Returns the RTT.
func (t *ClientTransaction) complete(state TransactionState, response []byte, at time.Time) time.Duration {
	t.mu.Lock()
	t.responseTime = at
	rtt := at.Sub(t.requestTime)
	t.mu.Unlock()

	t.finish(state, response)
	return rtt
}

// finish moves to a terminal state and fires the completion signal once.
func (t *ClientTransaction) finish(state TransactionState, response []byte) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.state = state
		if state == StateDone {
			t.response = response
		} else {
			t.response = nil
		}
		t.mu.Unlock()
		close(t.done)
	})
}
