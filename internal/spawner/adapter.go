// Package spawner executes LLM sessions for a butler under a concurrency
// bound, with deterministic lifecycle recording and graceful drain on
// shutdown. The actual model runtime is pluggable behind RuntimeAdapter;
// concrete adapters register themselves in a name→constructor map.
package spawner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// MCPServerConfig describes one MCP server entry written into an adapter's
// config file.
type MCPServerConfig struct {
	URL     string            `json:"url,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ToolCall is one recorded tool invocation inside a session.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    string         `json:"output,omitempty"`
}

// Usage is the token accounting an adapter reports, when available.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// InvokeParams are the inputs to one runtime invocation.
type InvokeParams struct {
	Prompt       string
	SystemPrompt string
	MCPServers   map[string]MCPServerConfig
	Env          map[string]string
	MaxTurns     int
	Model        string
	CWD          string
	Timeout      time.Duration
}

// InvokeResult is the outcome of one runtime invocation.
type InvokeResult struct {
	ResultText string
	ToolCalls  []ToolCall
	Usage      *Usage
}

// RuntimeAdapter is the pluggable LLM runtime capability. Adapters are
// expected to be safe for serial reuse; CreateWorker returns a fresh
// independent adapter for pooled use.
type RuntimeAdapter interface {
	Name() string
	Invoke(ctx context.Context, params InvokeParams) (*InvokeResult, error)
	BuildConfigFile(servers map[string]MCPServerConfig, tmpDir string) (string, error)
	ParseSystemPromptFile(configDir string) (string, error)
	CreateWorker() RuntimeAdapter
}

// adapterConstructors is the explicit name→constructor map. Adapters
// register in their own init().
var adapterConstructors = map[string]func(*zap.Logger) RuntimeAdapter{}

// RegisterAdapter records a constructor under a runtime name. Duplicate
// registration panics — it means two adapters claimed the same name at
// init time.
func RegisterAdapter(name string, constructor func(*zap.Logger) RuntimeAdapter) {
	if _, exists := adapterConstructors[name]; exists {
		panic("spawner: duplicate runtime adapter registration: " + name)
	}
	adapterConstructors[name] = constructor
}

// NewAdapter constructs a registered adapter by name.
func NewAdapter(name string, logger *zap.Logger) (RuntimeAdapter, error) {
	constructor, ok := adapterConstructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown runtime adapter %q (available: %v)", name, AdapterNames())
	}
	return constructor(logger), nil
}

// AdapterNames lists registered runtime names, sorted.
func AdapterNames() []string {
	names := make([]string, 0, len(adapterConstructors))
	for name := range adapterConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
