package bridge

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// DoctorReport is the result of checking the vendor binary and its Node.js
// runtime, matching §6.4's fixed shape exactly:
// {ok, claudeOk, claudeVersion?, nodeOk, nodeVersion?, details?, path?}.
type DoctorReport struct {
	OK            bool   `json:"ok"`
	ClaudeOK      bool   `json:"claudeOk"`
	ClaudeVersion string `json:"claudeVersion,omitempty"`
	NodeOK        bool   `json:"nodeOk"`
	NodeVersion   string `json:"nodeVersion,omitempty"`
	Details       string `json:"details,omitempty"`
	Path          string `json:"path,omitempty"`
}

const doctorCheckTimeout = 5 * time.Second

// RunDoctor checks node and the configured vendor binary are both on PATH
// and runnable, each bounded to doctorCheckTimeout.
func RunDoctor(ctx context.Context, claudeCodeBin string) DoctorReport {
	nodeOK, nodeVersion, nodeDetails := probeVersion(ctx, "node", "--version")

	bin := claudeCodeBin
	if strings.TrimSpace(bin) == "" {
		bin = "claude"
	}
	claudeOK, claudeVersion, claudeDetails := probeVersion(ctx, bin, "--version")

	var path string
	if resolved, err := exec.LookPath(bin); err == nil {
		path = resolved
	}

	var details []string
	if nodeDetails != "" {
		details = append(details, "node: "+nodeDetails)
	}
	if claudeDetails != "" {
		details = append(details, bin+": "+claudeDetails)
	}

	return DoctorReport{
		OK:            nodeOK && claudeOK,
		NodeOK:        nodeOK,
		NodeVersion:   nodeVersion,
		ClaudeOK:      claudeOK,
		ClaudeVersion: claudeVersion,
		Details:       strings.Join(details, "; "),
		Path:          path,
	}
}

// probeVersion runs `bin arg` and reports success, trimmed stdout, and a
// human-readable failure reason.
func probeVersion(ctx context.Context, bin string, arg string) (ok bool, version string, details string) {
	ctx, cancel := context.WithTimeout(ctx, doctorCheckTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, arg)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return false, "", "timed out checking " + bin
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, "", strings.TrimSpace(string(exitErr.Stderr))
		}
		if errors.Is(err, exec.ErrNotFound) {
			return false, "", bin + " not found on PATH"
		}
		return false, "", err.Error()
	}
	version = strings.TrimSpace(string(out))
	return version != "", version, ""
}
