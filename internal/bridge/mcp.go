package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"
)

const mcpProbeTimeout = 8 * time.Second

// McpProbeResult is one server's direct-probe outcome, merged alongside the
// vendor-reported status per §6.6.
type McpProbeResult struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProbeMcpServers attempts an Initialize + ListTools handshake against
// every configured server, independent of what the vendor process itself
// reports. A server that fails to connect gets Connected:false and an
// Error, never a dropped entry.
func ProbeMcpServers(ctx context.Context, servers map[string]McpServerConfig) []McpProbeResult {
	out := make([]McpProbeResult, 0, len(servers))
	for name, cfg := range servers {
		out = append(out, probeOneMcpServer(ctx, name, cfg))
	}
	return out
}

func probeOneMcpServer(ctx context.Context, name string, cfg McpServerConfig) McpProbeResult {
	ctx, cancel := context.WithTimeout(ctx, mcpProbeTimeout)
	defer cancel()

	client, err := newMcpClient(cfg)
	if err != nil {
		return McpProbeResult{Name: name, Connected: false, Error: err.Error()}
	}
	defer client.Close()

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    "sessionbridge",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		return McpProbeResult{Name: name, Connected: false, Error: fmt.Sprintf("initialize failed: %v", err)}
	}

	toolsResult, err := client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		return McpProbeResult{Name: name, Connected: true, Error: fmt.Sprintf("tools/list failed: %v", err)}
	}
	return McpProbeResult{Name: name, Connected: true, ToolCount: len(toolsResult.Tools)}
}

func newMcpClient(cfg McpServerConfig) (mcpclient.MCPClient, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio server has no command")
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, envMapToSlice(cfg.Env), cfg.Args...)

	case "sse":
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse server has no url")
		}
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http server has no url")
		}
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported mcp server type: %s", cfg.Type)
	}
}

func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
