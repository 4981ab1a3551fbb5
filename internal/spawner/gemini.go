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

// geminiDefaultTimeout bounds one Gemini CLI invocation.
const geminiDefaultTimeout = 300 * time.Second

// geminiExcludedEnv lists env vars that must never reach the Gemini
// subprocess. GOOGLE_API_KEY passes through untouched.
var geminiExcludedEnv = map[string]bool{"ANTHROPIC_API_KEY": true}

func init() {
	RegisterAdapter("gemini", func(logger *zap.Logger) RuntimeAdapter {
		return &GeminiAdapter{logger: logger}
	})
}

// GeminiAdapter invokes the Gemini CLI as a subprocess: --prompt carries
// the user prompt, --sandbox=false disables sandboxing, and the system
// prompt goes inline via --system-prompt. BuildConfigFile writes MCP
// servers to a JSON config file; Invoke does not write one and does not
// pass params.MCPServers to the CLI.
type GeminiAdapter struct {
	logger *zap.Logger
}

// Name returns the runtime name.
func (a *GeminiAdapter) Name() string { return "gemini" }

// CreateWorker returns a fresh independent adapter for pooled use.
func (a *GeminiAdapter) CreateWorker() RuntimeAdapter {
	return &GeminiAdapter{logger: a.logger}
}

// Invoke runs the Gemini CLI and parses its output. The subprocess is
// killed when the timeout fires; the caller sees a timeout error.
func (a *GeminiAdapter) Invoke(ctx context.Context, params InvokeParams) (*InvokeResult, error) {
	binary, err := exec.LookPath("gemini")
	if err != nil {
		return nil, fmt.Errorf(
			"gemini CLI binary not found on PATH; see https://github.com/google-gemini/gemini-cli: %w", err)
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = geminiDefaultTimeout
	}
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"--prompt", params.Prompt, "--sandbox=false"}
	if params.SystemPrompt != "" {
		args = append(args, "--system-prompt", params.SystemPrompt)
	}
	if params.Model != "" {
		args = append(args, "--model", params.Model)
	}

	cmd := exec.CommandContext(invokeCtx, binary, args...)
	cmd.Env = filterEnv(params.Env, geminiExcludedEnv)
	if params.CWD != "" {
		cmd.Dir = params.CWD
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if invokeCtx.Err() == context.DeadlineExceeded {
		a.logger.Error("gemini CLI timed out", zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("gemini CLI timed out after %s", timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("run gemini CLI: %w", runErr)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			detail = fmt.Sprintf("exit code %d", exitErr.ExitCode())
		}
		a.logger.Error("gemini CLI failed", zap.String("detail", detail))
		return &InvokeResult{ResultText: "Error: " + detail}, nil
	}

	text, toolCalls := parseGeminiOutput(stdout.String())
	return &InvokeResult{ResultText: text, ToolCalls: toolCalls}, nil
}

// BuildConfigFile writes the Gemini MCP config ({"mcpServers": ...}) into
// tmpDir and returns its path.
func (a *GeminiAdapter) BuildConfigFile(servers map[string]MCPServerConfig, tmpDir string) (string, error) {
	payload, err := json.MarshalIndent(map[string]any{"mcpServers": servers}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode MCP config: %w", err)
	}
	path := filepath.Join(tmpDir, "gemini-mcp.json")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", fmt.Errorf("write MCP config: %w", err)
	}
	return path, nil
}

// ParseSystemPromptFile reads GEMINI.md (preferred) or AGENTS.md from the
// butler's config directory. Missing files yield an empty prompt.
func (a *GeminiAdapter) ParseSystemPromptFile(configDir string) (string, error) {
	for _, name := range []string{"GEMINI.md", "AGENTS.md"} {
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

// filterEnv renders an env map as KEY=VALUE pairs, dropping excluded keys.
func filterEnv(env map[string]string, excluded map[string]bool) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		if excluded[k] {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

// parseGeminiOutput extracts (result_text, tool_calls) from CLI stdout.
// JSON-lines are tried first: "message" objects carry assistant text,
// "tool_use"/"functionCall" objects carry tool invocations, and a final
// "result" object carries the result text. Non-JSON output is treated as
// plain text.
func parseGeminiOutput(stdout string) (string, []ToolCall) {
	var (
		textParts []string
		toolCalls []ToolCall
		result    string
		parsedAny bool
	)

	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		parsedAny = true

		switch obj["type"] {
		case "message":
			if text, ok := obj["text"].(string); ok {
				textParts = append(textParts, text)
			}
		case "tool_use", "functionCall":
			call := ToolCall{}
			if name, ok := obj["name"].(string); ok {
				call.Name = name
			}
			if args, ok := obj["arguments"].(map[string]any); ok {
				call.Arguments = args
			}
			if out, ok := obj["output"].(string); ok {
				call.Output = out
			}
			toolCalls = append(toolCalls, call)
		case "result":
			if text, ok := obj["text"].(string); ok {
				result = text
			}
		}
	}

	if !parsedAny {
		return strings.TrimSpace(stdout), nil
	}
	if result != "" {
		return result, toolCalls
	}
	return strings.Join(textParts, "\n"), toolCalls
}
