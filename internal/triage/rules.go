package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tzeusy/butlers/internal/contract"
)

// LoadRules fetches active triage rules in deterministic evaluation order:
// (priority ASC, created_at ASC, id ASC). Conditions decode from JSONB.
func LoadRules(ctx context.Context, db affinityDB) ([]Rule, error) {
	rows, err := db.Query(ctx, `
		SELECT id, rule_type, condition, action, priority
		FROM triage_rules
		ORDER BY priority ASC, created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load triage rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var (
			rule      Rule
			condition []byte
		)
		if err := rows.Scan(&rule.ID, &rule.RuleType, &condition, &rule.Action, &rule.Priority); err != nil {
			return nil, fmt.Errorf("scan triage rule: %w", err)
		}
		if len(condition) > 0 {
			if err := json.Unmarshal(condition, &rule.Condition); err != nil {
				return nil, fmt.Errorf("decode condition for rule %s: %w", rule.ID, err)
			}
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// FromIngest projects a validated ingest.v1 envelope into the evaluator's
// input. Headers come from payload.raw.headers; MIME parts from
// payload.raw.mime_parts and attachment media types. Missing fields are
// tolerated — this adapter never fails.
func FromIngest(env *contract.IngestEnvelope) Envelope {
	out := Envelope{
		SenderAddress: strings.ToLower(env.Sender.Identity),
		SourceChannel: env.Source.Channel,
		ThreadID:      env.Event.ExternalThreadID,
		Headers:       map[string]string{},
	}

	raw := env.Payload.Raw
	if headers, ok := raw["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				out.Headers[k] = s
			} else {
				out.Headers[k] = anyToString(v)
			}
		}
	}

	if attachments, ok := raw["attachments"].([]any); ok {
		for _, att := range attachments {
			if m, ok := att.(map[string]any); ok {
				if mt, ok := m["media_type"].(string); ok && mt != "" {
					out.MimeParts = append(out.MimeParts, strings.ToLower(mt))
				}
			}
		}
	}
	if parts, ok := raw["mime_parts"].([]any); ok {
		for _, part := range parts {
			switch p := part.(type) {
			case string:
				out.MimeParts = append(out.MimeParts, strings.ToLower(p))
			case map[string]any:
				if mt, ok := p["type"].(string); ok && mt != "" {
					out.MimeParts = append(out.MimeParts, strings.ToLower(mt))
				}
			}
		}
	}
	return out
}

