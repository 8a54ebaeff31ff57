package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	m, _ := newTestManager(t)
	// permission/respond on an unknown tool use id doesn't need this
	// handler to share state with the manager's own demux loop.
	permissions := NewPermissionHandler(NewLogger(&bytes.Buffer{}), 0, func(Event) {})
	return NewDispatcher(m, permissions, DefaultConfig())
}

func TestDispatchRequiresInitializeFirst(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Command{ID: 1, Method: "session/start"})
	if resp.Error == "" {
		t.Fatal("Dispatch() before initialize = no error, want INVALID_COMMAND")
	}
	if !strings.Contains(resp.Error, string(CodeInvalidCommand)) {
		t.Fatalf("Error = %q, want it to contain %q", resp.Error, CodeInvalidCommand)
	}
}

func TestDispatchSessionCloseAllowedBeforeInitialize(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Command{ID: 1, Method: "session/close", Params: json.RawMessage(`{"sessionId":"no-such"}`)})
	if resp.Error != "" {
		t.Fatalf("Dispatch(session/close) before initialize err = %q, want none", resp.Error)
	}
}

func TestDispatchInitializeReturnsCapabilities(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Command{ID: 1, Method: "initialize"})
	if resp.Error != "" {
		t.Fatalf("Dispatch(initialize) err = %q", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Result type = %T, want map[string]interface{}", resp.Result)
	}
	if _, ok := result["capabilities"]; !ok {
		t.Fatal("initialize result missing capabilities")
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(context.Background(), Command{ID: 1, Method: "initialize"})
	resp := d.Dispatch(context.Background(), Command{ID: 2, Method: "nonsense/method"})
	if !strings.Contains(resp.Error, string(CodeInvalidCommand)) {
		t.Fatalf("Error = %q, want INVALID_COMMAND", resp.Error)
	}
}

func TestDispatchMalformedParamsIsParseError(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(context.Background(), Command{ID: 1, Method: "initialize"})
	resp := d.Dispatch(context.Background(), Command{ID: 2, Method: "session/start", Params: json.RawMessage(`not json`)})
	if !strings.Contains(resp.Error, string(CodeParseError)) {
		t.Fatalf("Error = %q, want PARSE_ERROR", resp.Error)
	}
}

func TestDispatchSessionStartThenClose(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(context.Background(), Command{ID: 1, Method: "initialize"})

	startResp := d.Dispatch(context.Background(), Command{
		ID:     2,
		Method: "session/start",
		Params: json.RawMessage(`{"workspaceId":"w1","cwd":"/tmp/proj"}`),
	})
	if startResp.Error != "" {
		t.Fatalf("session/start err = %q", startResp.Error)
	}
	result := startResp.Result.(map[string]string)
	sessionID := result["sessionId"]
	if sessionID == "" {
		t.Fatal("session/start did not return a sessionId")
	}

	closeResp := d.Dispatch(context.Background(), Command{
		ID:     3,
		Method: "session/close",
		Params: json.RawMessage(`{"sessionId":"` + sessionID + `"}`),
	})
	if closeResp.Error != "" {
		t.Fatalf("session/close err = %q", closeResp.Error)
	}
}

func TestDispatchSessionStartRejectsSecondBusyWorkspace(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(context.Background(), Command{ID: 1, Method: "initialize"})
	params := json.RawMessage(`{"workspaceId":"w1","cwd":"/tmp/proj"}`)

	first := d.Dispatch(context.Background(), Command{ID: 2, Method: "session/start", Params: params})
	if first.Error != "" {
		t.Fatalf("first session/start err = %q", first.Error)
	}
	second := d.Dispatch(context.Background(), Command{ID: 3, Method: "session/start", Params: params})
	if !strings.Contains(second.Error, string(CodeWorkspaceBusy)) {
		t.Fatalf("second session/start err = %q, want WORKSPACE_BUSY", second.Error)
	}
}

func TestDispatchMessageSendUnknownSession(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(context.Background(), Command{ID: 1, Method: "initialize"})
	resp := d.Dispatch(context.Background(), Command{
		ID:     2,
		Method: "message/send",
		Params: json.RawMessage(`{"sessionId":"no-such","message":"hi"}`),
	})
	if !strings.Contains(resp.Error, string(CodeSessionNotFound)) {
		t.Fatalf("Error = %q, want SESSION_NOT_FOUND", resp.Error)
	}
}

func TestDispatchPermissionRespondUnknownToolUseID(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(context.Background(), Command{ID: 1, Method: "initialize"})
	resp := d.Dispatch(context.Background(), Command{
		ID:     2,
		Method: "permission/respond",
		Params: json.RawMessage(`{"toolUseId":"no-such","decision":"allow"}`),
	})
	if resp.Error != "" {
		t.Fatalf("permission/respond unexpected err = %q", resp.Error)
	}
	result := resp.Result.(map[string]bool)
	if result["success"] {
		t.Fatal("success = true for an unknown tool use id, want false")
	}
}

// The "cat" stand-in echoes the outbound request back verbatim, which has
// no "result" field, so decoding the forwarded reply fails with a parse
// error. This still exercises the full round trip: request marshaled,
// sent to the vendor process, correlated by id, and the reply decoded.
func TestDispatchModelListRoundTripsThroughVendor(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(context.Background(), Command{ID: 1, Method: "initialize"})
	resp := d.Dispatch(context.Background(), Command{
		ID:     2,
		Method: "model/list",
		Params: json.RawMessage(`{"sessionId":"s1"}`),
	})
	if !strings.Contains(resp.Error, string(CodeParseError)) {
		t.Fatalf("Error = %q, want PARSE_ERROR (echo has no result field)", resp.Error)
	}
}
