package bridge

import (
	"context"
	"sort"
	"testing"
)

func TestEnvMapToSlice(t *testing.T) {
	if got := envMapToSlice(nil); got != nil {
		t.Fatalf("envMapToSlice(nil) = %v, want nil", got)
	}
	got := envMapToSlice(map[string]string{"FOO": "1", "BAR": "2"})
	sort.Strings(got)
	want := []string{"BAR=2", "FOO=1"}
	if len(got) != len(want) {
		t.Fatalf("envMapToSlice() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("envMapToSlice() = %v, want %v", got, want)
		}
	}
}

func TestNewMcpClientStdioRequiresCommand(t *testing.T) {
	_, err := newMcpClient(McpServerConfig{Type: "stdio"})
	if err == nil {
		t.Fatal("newMcpClient(stdio, no command) = nil error, want one")
	}
}

func TestNewMcpClientSSERequiresURL(t *testing.T) {
	_, err := newMcpClient(McpServerConfig{Type: "sse"})
	if err == nil {
		t.Fatal("newMcpClient(sse, no url) = nil error, want one")
	}
}

func TestNewMcpClientHTTPRequiresURL(t *testing.T) {
	_, err := newMcpClient(McpServerConfig{Type: "http"})
	if err == nil {
		t.Fatal("newMcpClient(http, no url) = nil error, want one")
	}
}

func TestNewMcpClientUnsupportedType(t *testing.T) {
	_, err := newMcpClient(McpServerConfig{Type: "carrier-pigeon"})
	if err == nil {
		t.Fatal("newMcpClient(unsupported type) = nil error, want one")
	}
}

func TestNewMcpClientEmptyTypeDefaultsToStdio(t *testing.T) {
	// No Type set at all should fall into the same "stdio" branch as an
	// explicit Type: "stdio", so an empty command is still rejected rather
	// than falling through to "unsupported mcp server type".
	_, err := newMcpClient(McpServerConfig{})
	if err == nil {
		t.Fatal("newMcpClient(no type, no command) = nil error, want one")
	}
	if err.Error() != "stdio server has no command" {
		t.Fatalf("err = %q, want the stdio-branch error", err.Error())
	}
}

func TestProbeOneMcpServerReportsErrorWithoutDroppingEntry(t *testing.T) {
	result := probeOneMcpServer(context.Background(), "broken", McpServerConfig{Type: "stdio"})
	if result.Name != "broken" {
		t.Fatalf("Name = %q, want broken", result.Name)
	}
	if result.Connected {
		t.Fatal("Connected = true for a config with no command, want false")
	}
	if result.Error == "" {
		t.Fatal("Error = empty, want a reason")
	}
}

func TestProbeMcpServersCoversEveryEntry(t *testing.T) {
	results := ProbeMcpServers(context.Background(), map[string]McpServerConfig{
		"a": {Type: "carrier-pigeon"},
		"b": {Type: "carrier-pigeon"},
	})
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
}
