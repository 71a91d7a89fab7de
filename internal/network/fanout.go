package network

import (
	"sort"
	"sync"
	"time"
)

// TransactionOption configures a Transaction.
type TransactionOption func(*Transaction)

// WithValidator sets the validator every client transaction is created with.
func WithValidator(v ResponseValidator) TransactionOption {
	return func(tx *Transaction) {
		if v != nil {
			tx.validator = v
		}
	}
}

// ClientResult is the outcome of a transaction for one client.
type ClientResult struct {
	ClientID     uint32           `json:"client_id"`
	State        TransactionState `json:"state"`
	RTTMillis    int64            `json:"rtt_ms"`
	ResponseSize int              `json:"response_size"`
}

// Transaction is one logical request fanned out to many clients. The server
// resets it before every run.
type Transaction struct {
	mu           sync.Mutex
	request      []byte
	responseSize int
	validator    ResponseValidator
	clients      map[uint32]*ClientTransaction
}

// NewTransaction creates a transaction sending request to each client and
// expecting responseSize bytes back from each.
func NewTransaction(request []byte, responseSize int, opts ...TransactionOption) *Transaction {
	tx := &Transaction{
		request:      request,
		responseSize: responseSize,
		validator:    AcceptAnyResponse,
		clients:      make(map[uint32]*ClientTransaction),
	}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

// Reset forgets all per-client state so the transaction can run again.
// Client transactions of the previous run keep their own results; a late
// reply completes only the run it was requested by.
func (tx *Transaction) Reset() {
	tx.mu.Lock()
	tx.clients = make(map[uint32]*ClientTransaction)
	tx.mu.Unlock()
}

// SetRequest replaces the request bytes used by subsequent runs.
func (tx *Transaction) SetRequest(request []byte) {
	tx.mu.Lock()
	tx.request = request
	tx.mu.Unlock()
}

// Request returns the current request bytes.
func (tx *Transaction) Request() []byte {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.request
}

// ResponseSize returns the number of bytes expected from each client.
func (tx *Transaction) ResponseSize() int {
	return tx.responseSize
}

// WaitForFinish waits for every dispatched client transaction against a
// single deadline d from now, and returns how many reached Done.
func (tx *Transaction) WaitForFinish(d time.Duration) int {
	deadline := time.Now().Add(d)

	tx.mu.Lock()
	pending := make([]*ClientTransaction, 0, len(tx.clients))
	for _, ct := range tx.clients {
		pending = append(pending, ct)
	}
	tx.mu.Unlock()

	done := 0
	for _, ct := range pending {
		if ct.WaitUntil(deadline) {
			done++
		}
	}
	return done
}

// Response returns the response received from clientID, or nil.
func (tx *Transaction) Response(clientID uint32) []byte {
	tx.mu.Lock()
	ct, ok := tx.clients[clientID]
	tx.mu.Unlock()
	if !ok {
		return nil
	}
	return ct.Response()
}

// ClientIDs returns the ids the last run was dispatched to, sorted.
func (tx *Transaction) ClientIDs() []uint32 {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	ids := make([]uint32, 0, len(tx.clients))
	for id := range tx.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Results returns the per-client outcome of the last run, sorted by id.
func (tx *Transaction) Results() []ClientResult {
	ids := tx.ClientIDs()

	tx.mu.Lock()
	cts := make([]*ClientTransaction, len(ids))
	for i, id := range ids {
		cts[i] = tx.clients[id]
	}
	tx.mu.Unlock()

	results := make([]ClientResult, len(ids))
	for i, ct := range cts {
		results[i] = ClientResult{
			ClientID:     ids[i],
			State:        ct.State(),
			RTTMillis:    ct.RTT().Milliseconds(),
			ResponseSize: len(ct.Response()),
		}
	}
	return results
}

// clientTransaction returns the client transaction for id, creating it from
// the current request on first use.
func (tx *Transaction) clientTransaction(id uint32) *ClientTransaction {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if ct, ok := tx.clients[id]; ok {
		return ct
	}
	ct := NewClientTransaction(tx.request, tx.responseSize, tx.validator)
	tx.clients[id] = ct
	return ct
}

// dispatch hands the client transaction for c to its worker and reports
// whether the worker took it. A connection that refuses the work fails the
// client transaction immediately.
func (tx *Transaction) dispatch(c *Connection) bool {
	ct := tx.clientTransaction(c.ID())
	if c.RunTransaction(ct) {
		return true
	}
	if ct.State() == StateIdle {
		ct.finish(StateTimeout, nil)
	}
	return false
}
