package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sessionbridge/internal/bridge"
	"sessionbridge/internal/wsgateway"
)

const version = "1.0.0"

func main() {
	var (
		configPath    string
		claudeBin     string
		registryPath  string
		listenAddr    string
		permTimeoutMs int
	)

	root := &cobra.Command{
		Use:     "sessionbridge",
		Short:   "Session Bridge & Orchestration Subsystem",
		Long:    "sessionbridge multiplexes vendor agent sessions over a single child process and speaks a line-framed JSON command/event protocol on stdio.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bridge.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if claudeBin != "" {
				cfg.ClaudeCodeBin = claudeBin
			}
			if registryPath != "" {
				cfg.RegistryPath = registryPath
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if permTimeoutMs > 0 {
				cfg.PermissionTimeout = time.Duration(permTimeoutMs) * time.Millisecond
			}
			return runBridge(cfg)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to sessionbridge.yml (defaults to the platform config dir)")
	root.PersistentFlags().StringVar(&claudeBin, "claude-bin", "", "vendor agent binary (overrides config)")
	root.Flags().StringVar(&registryPath, "registry-path", "", "session registry JSON file (overrides config)")
	root.Flags().StringVar(&listenAddr, "listen", "", "optional address for the websocket event-mirror gateway, e.g. :8787")
	root.Flags().IntVar(&permTimeoutMs, "permission-timeout-ms", 0, "permission request timeout in milliseconds (overrides config)")

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the vendor binary and its Node.js runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bridge.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if claudeBin != "" {
				cfg.ClaudeCodeBin = claudeBin
			}
			report := bridge.RunDoctor(cmd.Context(), cfg.ClaudeCodeBin)
			printDoctorReport(report)
			if !report.OK {
				os.Exit(1)
			}
			return nil
		},
	}
	root.AddCommand(doctorCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printDoctorReport(r bridge.DoctorReport) {
	status := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "FAIL"
	}
	fmt.Printf("node:   %s", status(r.NodeOK))
	if r.NodeVersion != "" {
		fmt.Printf(" (%s)", r.NodeVersion)
	}
	fmt.Println()
	fmt.Printf("claude: %s", status(r.ClaudeOK))
	if r.ClaudeVersion != "" {
		fmt.Printf(" (%s)", r.ClaudeVersion)
	}
	if r.Path != "" {
		fmt.Printf(" [%s]", r.Path)
	}
	fmt.Println()
	if r.Details != "" {
		fmt.Printf("details: %s\n", r.Details)
	}
}

// runBridge is the default, long-running mode: a single vendor process
// multiplexing every session, and the command/event protocol on stdio.
func runBridge(cfg bridge.Config) error {
	logger := bridge.NewLogger(os.Stderr)

	registry := bridge.NewSessionRegistry(cfg.RegistryPath, logger)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	process := bridge.NewAgentProcess(cfg.ClaudeCodeBin, nil, "", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := process.Start(ctx); err != nil {
		return err
	}

	out := bridge.NewLineWriter(os.Stdout)
	var gateway *wsgateway.Gateway
	emit := func(ev bridge.Event) {
		ev.Timestamp = time.Now().UnixMilli()
		if err := out.WriteJSON(ev); err != nil {
			logger.Error("failed to write event", map[string]interface{}{"error": err.Error()})
		}
		if gateway != nil {
			gateway.BroadcastEvent(ev)
		}
	}

	permissions := bridge.NewPermissionHandler(logger, cfg.PermissionTimeout, emit)
	sessions := bridge.NewSessionManager(process, permissions, registry, logger, emit)
	dispatcher := bridge.NewDispatcher(sessions, permissions, cfg)

	go sessions.Run()

	if strings.TrimSpace(cfg.ListenAddr) != "" {
		gateway = wsgateway.New(dispatcher.Dispatch, logger)
		go func() {
			if err := gateway.ListenAndServe(cfg.ListenAddr); err != nil {
				logger.Error("websocket gateway stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		permissions.CancelAll()
		sessions.CloseAll()
		_ = process.Shutdown(cfg.ShutdownGrace)
		cancel()
		os.Exit(0)
	}()

	reader := bridge.NewLineReader(os.Stdin)
	for line := range reader.Lines() {
		var cmd bridge.Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			logger.Warn("malformed command line", map[string]interface{}{"error": err.Error()})
			continue
		}
		resp := dispatcher.Dispatch(ctx, cmd)
		if err := out.WriteJSON(resp); err != nil {
			logger.Error("failed to write response", map[string]interface{}{"error": err.Error()})
		}
	}

	sessions.CloseAll()
	return process.Shutdown(cfg.ShutdownGrace)
}
