package bridge

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func newTestPermissionHandler(timeout time.Duration) (*PermissionHandler, chan Event) {
	events := make(chan Event, 16)
	h := NewPermissionHandler(NewLogger(&bytes.Buffer{}), timeout, func(ev Event) {
		events <- ev
	})
	return h, events
}

func sessionIDFunc(id SessionID) func() SessionID {
	return func() SessionID { return id }
}

func TestPermissionRequestApprovalRespond(t *testing.T) {
	h, events := newTestPermissionHandler(time.Second)
	req := PermissionRequest{ToolName: "Bash", ToolUseID: "tu1"}

	done := make(chan PermissionResult, 1)
	go func() {
		result, err := h.RequestApproval(context.Background(), sessionIDFunc("s1"), "w1", req)
		if err != nil {
			t.Errorf("RequestApproval() err = %v", err)
		}
		done <- result
	}()

	select {
	case ev := <-events:
		if ev.Type != "permission/request" {
			t.Fatalf("event type = %q, want permission/request", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for permission/request event")
	}

	if !h.Respond("tu1", DecisionAllow, "", nil) {
		t.Fatal("Respond() = false, want true")
	}

	select {
	case result := <-done:
		if result.Behavior != DecisionAllow {
			t.Fatalf("Behavior = %q, want allow", result.Behavior)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestApproval to return")
	}

	if h.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", h.Count())
	}
}

func TestPermissionRespondUnknownToolUseID(t *testing.T) {
	h, _ := newTestPermissionHandler(time.Second)
	if h.Respond("unknown", DecisionAllow, "", nil) {
		t.Fatal("Respond() on unknown tool use id = true, want false")
	}
}

func TestPermissionRequestDuplicateToolUseID(t *testing.T) {
	h, _ := newTestPermissionHandler(time.Second)
	req := PermissionRequest{ToolUseID: "dup"}

	go h.RequestApproval(context.Background(), sessionIDFunc("s1"), "w1", req)
	// Give the first registration a moment to land before the duplicate.
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err := h.RequestApproval(context.Background(), sessionIDFunc("s1"), "w1", req)
	if err != ErrDuplicateToolUse {
		t.Fatalf("second RequestApproval() err = %v, want ErrDuplicateToolUse", err)
	}
	h.Respond("dup", DecisionAllow, "", nil)
}

func TestPermissionRequestTimesOutAsDeny(t *testing.T) {
	h, _ := newTestPermissionHandler(10 * time.Millisecond)
	req := PermissionRequest{ToolUseID: "tu-timeout"}

	result, err := h.RequestApproval(context.Background(), sessionIDFunc("s1"), "w1", req)
	if err != nil {
		t.Fatalf("RequestApproval() err = %v, want nil (timeout resolves as deny, not error)", err)
	}
	if result.Behavior != DecisionDeny {
		t.Fatalf("Behavior = %q, want deny", result.Behavior)
	}
}

func TestPermissionRequestAbortedByContext(t *testing.T) {
	h, _ := newTestPermissionHandler(time.Minute)
	req := PermissionRequest{ToolUseID: "tu-abort"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.RequestApproval(ctx, sessionIDFunc("s1"), "w1", req)
		done <- err
	}()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != ErrAborted {
			t.Fatalf("RequestApproval() err = %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for abort")
	}
}

func TestPermissionAbortByToolUseID(t *testing.T) {
	h, _ := newTestPermissionHandler(time.Minute)
	req := PermissionRequest{ToolUseID: "tu-vendor-abort"}

	done := make(chan error, 1)
	go func() {
		_, err := h.RequestApproval(context.Background(), sessionIDFunc("s1"), "w1", req)
		done <- err
	}()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	if !h.Abort("tu-vendor-abort") {
		t.Fatal("Abort() = false, want true")
	}

	select {
	case err := <-done:
		if err != ErrAborted {
			t.Fatalf("RequestApproval() err = %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for abort")
	}
}

func TestPermissionCancelForSessionOnlyAffectsThatSession(t *testing.T) {
	h, _ := newTestPermissionHandler(time.Minute)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() {
		_, err := h.RequestApproval(context.Background(), sessionIDFunc("s1"), "w1", PermissionRequest{ToolUseID: "a"})
		doneA <- err
	}()
	go func() {
		_, err := h.RequestApproval(context.Background(), sessionIDFunc("s2"), "w1", PermissionRequest{ToolUseID: "b"})
		doneB <- err
	}()
	for h.Count() < 2 {
		time.Sleep(time.Millisecond)
	}

	h.CancelForSession("s1")

	select {
	case err := <-doneA:
		if err != ErrSessionClosed {
			t.Fatalf("session s1 err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for s1 cancellation")
	}

	if h.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 (session s2 still pending)", h.Count())
	}

	h.Respond("b", DecisionAllow, "", nil)
	select {
	case err := <-doneB:
		if err != nil {
			t.Fatalf("session s2 err = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for s2 resolution")
	}
}

func TestPermissionCancelAll(t *testing.T) {
	h, _ := newTestPermissionHandler(time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := h.RequestApproval(context.Background(), sessionIDFunc("s1"), "w1", PermissionRequest{ToolUseID: "a"})
		done <- err
	}()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}

	h.CancelAll()

	select {
	case err := <-done:
		if err != ErrSessionClosed {
			t.Fatalf("err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel-all")
	}
	if h.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", h.Count())
	}
}

func TestPermissionDenyDefaultsMessage(t *testing.T) {
	h, _ := newTestPermissionHandler(time.Minute)
	done := make(chan PermissionResult, 1)
	go func() {
		result, _ := h.RequestApproval(context.Background(), sessionIDFunc("s1"), "w1", PermissionRequest{ToolUseID: "tu-deny"})
		done <- result
	}()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	h.Respond("tu-deny", DecisionDeny, "", nil)

	result := <-done
	if result.Message != "Permission denied by user" {
		t.Fatalf("Message = %q, want default deny message", result.Message)
	}
}
