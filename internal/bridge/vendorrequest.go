package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// vendorResponse is the {id, result, error} shape the vendor process
// replies with to a forwarded request/response method, mirroring the
// same command envelope the UI uses against this bridge.
type vendorResponse struct {
	ID     uint32          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// vendorEnvelopePeek distinguishes a push-style VendorMessage line (has a
// non-empty "type") from a request/response reply line (has an "id" and
// no "type"), without committing to either decode.
type vendorEnvelopePeek struct {
	Type string  `json:"type"`
	ID   *uint32 `json:"id"`
}

const vendorRequestTimeout = 30 * time.Second

// vendorRequestTable correlates outbound forwarded requests (model/list,
// model/set, command/list, mcp/status, mcp/set, session/rewind) with their
// replies on the shared stdout stream, the same way SessionManager
// correlates the UI's own command protocol.
type vendorRequestTable struct {
	nextID uint32

	mu      sync.Mutex
	pending map[uint32]chan vendorResponse
}

func newVendorRequestTable() *vendorRequestTable {
	return &vendorRequestTable{pending: make(map[uint32]chan vendorResponse)}
}

func (t *vendorRequestTable) register() (uint32, chan vendorResponse) {
	id := atomic.AddUint32(&t.nextID, 1)
	ch := make(chan vendorResponse, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return id, ch
}

func (t *vendorRequestTable) deliver(resp vendorResponse) bool {
	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

func (t *vendorRequestTable) cancelAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint32]chan vendorResponse)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- vendorResponse{Error: err.Error()}
	}
}

// sendVendorRequest forwards one request/response method to the vendor
// process over the shared stdin and blocks for the matching reply,
// bounded by vendorRequestTimeout.
func (m *SessionManager) sendVendorRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id, ch := m.vendorRequests.register()

	data, err := json.Marshal(Command{ID: id, Method: method, Params: mustRawMessage(params)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := m.process.Send(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(vendorRequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%s: %s", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: timed out waiting for vendor response", method)
	}
}

func mustRawMessage(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
