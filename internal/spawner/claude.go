package spawner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// claudeDefaultTimeout bounds one Claude CLI invocation.
const claudeDefaultTimeout = 300 * time.Second

// claudeExcludedEnv strips provider keys that belong to other runtimes.
var claudeExcludedEnv = map[string]bool{"GOOGLE_API_KEY": true, "GEMINI_API_KEY": true}

func init() {
	RegisterAdapter("claude", func(logger *zap.Logger) RuntimeAdapter {
		return &ClaudeAdapter{logger: logger}
	})
}

// ClaudeAdapter invokes the Claude CLI as a subprocess with JSON output.
type ClaudeAdapter struct {
	logger *zap.Logger
}

// Name returns the runtime name.
func (a *ClaudeAdapter) Name() string { return "claude" }

// CreateWorker returns a fresh independent adapter for pooled use.
func (a *ClaudeAdapter) CreateWorker() RuntimeAdapter {
	return &ClaudeAdapter{logger: a.logger}
}

// Invoke runs the Claude CLI in print mode and parses its JSON result.
func (a *ClaudeAdapter) Invoke(ctx context.Context, params InvokeParams) (*InvokeResult, error) {
	binary, err := exec.LookPath("claude")
	if err != nil {
		return nil, fmt.Errorf("claude CLI binary not found on PATH: %w", err)
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = claudeDefaultTimeout
	}
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"--print", "--output-format", "json", params.Prompt}
	if params.SystemPrompt != "" {
		args = append([]string{"--system-prompt", params.SystemPrompt}, args...)
	}
	if params.Model != "" {
		args = append([]string{"--model", params.Model}, args...)
	}
	if params.MaxTurns > 0 {
		args = append([]string{"--max-turns", fmt.Sprintf("%d", params.MaxTurns)}, args...)
	}

	cmd := exec.CommandContext(invokeCtx, binary, args...)
	cmd.Env = filterEnv(params.Env, claudeExcludedEnv)
	if params.CWD != "" {
		cmd.Dir = params.CWD
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if invokeCtx.Err() == context.DeadlineExceeded {
		a.logger.Error("claude CLI timed out", zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("claude CLI timed out after %s", timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("run claude CLI: %w", runErr)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = fmt.Sprintf("exit code %d", exitErr.ExitCode())
		}
		return &InvokeResult{ResultText: "Error: " + detail}, nil
	}

	return parseClaudeOutput(stdout.String()), nil
}

// BuildConfigFile writes the Claude MCP config (.mcp.json) into tmpDir.
func (a *ClaudeAdapter) BuildConfigFile(servers map[string]MCPServerConfig, tmpDir string) (string, error) {
	payload, err := json.MarshalIndent(map[string]any{"mcpServers": servers}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode MCP config: %w", err)
	}
	path := filepath.Join(tmpDir, ".mcp.json")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", fmt.Errorf("write MCP config: %w", err)
	}
	return path, nil
}

// ParseSystemPromptFile reads CLAUDE.md or AGENTS.md from the butler's
// config directory. Missing files yield an empty prompt.
func (a *ClaudeAdapter) ParseSystemPromptFile(configDir string) (string, error) {
	for _, name := range []string{"CLAUDE.md", "AGENTS.md"} {
		data, err := os.ReadFile(filepath.Join(configDir, name))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
	}
	return "", nil
}

// parseClaudeOutput decodes the CLI's single JSON result object; plain
// text falls through unchanged.
func parseClaudeOutput(stdout string) *InvokeResult {
	trimmed := strings.TrimSpace(stdout)

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return &InvokeResult{ResultText: trimmed}
	}

	result := &InvokeResult{}
	if text, ok := obj["result"].(string); ok {
		result.ResultText = text
	}
	if usage, ok := obj["usage"].(map[string]any); ok {
		u := &Usage{}
		if in, ok := usage["input_tokens"].(float64); ok {
			u.InputTokens = int(in)
		}
		if out, ok := usage["output_tokens"].(float64); ok {
			u.OutputTokens = int(out)
		}
		result.Usage = u
	}
	return result
}
