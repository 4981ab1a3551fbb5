package registry

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// fallbackTarget receives messages the classifier could not place.
const fallbackTarget = "general"

// ClassifyFunc dispatches an LLM classification prompt and returns the raw
// model output.
type ClassifyFunc func(ctx context.Context, message string) (string, error)

// ClassifyMessageMulti asks the LLM which butlers should handle a message
// and parses the output into a target list. Butler names come back comma-
// or newline-separated. Any failure — dispatch error, empty output —
// falls back to ["general"].
func ClassifyMessageMulti(ctx context.Context, message string, dispatch ClassifyFunc, logger *zap.Logger) []string {
	raw, err := dispatch(ctx, message)
	if err != nil {
		logger.Warn("LLM classification failed; falling back to general", zap.Error(err))
		return []string{fallbackTarget}
	}

	targets := parseTargetList(raw)
	if len(targets) == 0 {
		logger.Warn("LLM classification produced no targets; falling back to general",
			zap.String("raw", raw))
		return []string{fallbackTarget}
	}
	return targets
}

// parseTargetList splits classifier output on commas and newlines,
// trimming whitespace and dropping empties and duplicates.
func parseTargetList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})

	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		name := strings.ToLower(strings.TrimSpace(f))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// TargetResult is the per-target outcome of a fan-out dispatch.
type TargetResult struct {
	Target string         `json:"target"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// RouteFunc invokes one target; DispatchToTargets uses it so fan-out can
// be tested without a live router.
type RouteFunc func(ctx context.Context, target, message string) (map[string]any, error)

// DispatchToTargets invokes call for every target. Partial failures are
// recorded in the result slice, never propagated — one unreachable butler
// must not lose the others' responses.
func DispatchToTargets(ctx context.Context, targets []string, message string, call RouteFunc) []TargetResult {
	results := make([]TargetResult, 0, len(targets))
	for _, target := range targets {
		result, err := call(ctx, target, message)
		if err != nil {
			results = append(results, TargetResult{Target: target, Error: err.Error()})
			continue
		}
		results = append(results, TargetResult{Target: target, Result: result})
	}
	return results
}

// AggregateResponses concatenates fan-out results into a single reply,
// noting any per-target errors at the end.
func AggregateResponses(results []TargetResult) string {
	var parts []string
	var failed []string

	for _, r := range results {
		if r.Error != "" {
			failed = append(failed, r.Target)
			continue
		}
		if text, ok := r.Result["result"].(string); ok && text != "" {
			parts = append(parts, "["+r.Target+"] "+text)
		}
	}

	var b strings.Builder
	b.WriteString(strings.Join(parts, "\n\n"))
	if len(failed) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("(no response from: " + strings.Join(failed, ", ") + ")")
	}
	return b.String()
}

// TickResult summarizes a fleet-wide heartbeat tick.
type TickResult struct {
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     []TickError  `json:"failed"`
}

// TickError names a butler whose tick failed.
type TickError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// TickFunc advances one butler's scheduler.
type TickFunc func(ctx context.Context, name string) error

// TickAllButlers ticks every butler in the catalog except the heartbeat
// butler itself. Per-butler failures are collected, not propagated.
func TickAllButlers(ctx context.Context, store catalog, self string, tick TickFunc) (TickResult, error) {
	butlers, err := store.List(ctx)
	if err != nil {
		return TickResult{}, err
	}

	result := TickResult{Failed: []TickError{}}
	for _, b := range butlers {
		if b.Name == self {
			continue
		}
		result.Total++
		if err := tick(ctx, b.Name); err != nil {
			result.Failed = append(result.Failed, TickError{Name: b.Name, Error: err.Error()})
			continue
		}
		result.Successful++
	}
	return result, nil
}
