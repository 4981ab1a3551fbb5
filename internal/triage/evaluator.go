// Package triage implements the Switchboard's deterministic pre-LLM
// classification of inbound events.
//
// Pipeline order is strict:
//  1. Thread affinity (email only) — resolved by the caller via Lookup and
//     passed in as affinityTarget.
//  2. triage_rules rows in (priority ASC, created_at ASC, id ASC) order;
//     first match wins.
//  3. No match → pass_through (LLM classification downstream).
//
// Evaluation is synchronous against an in-memory rule list; no I/O happens
// here. Any panic or per-rule error downgrades to pass_through — triage is
// never permitted to block ingestion.
package triage

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Decisions emitted by the evaluator.
const (
	DecisionRouteTo          = "route_to"
	DecisionSkip             = "skip"
	DecisionMetadataOnly     = "metadata_only"
	DecisionLowPriorityQueue = "low_priority_queue"
	DecisionPassThrough      = "pass_through"
)

// Rule types.
const (
	RuleSenderDomain    = "sender_domain"
	RuleSenderAddress   = "sender_address"
	RuleHeaderCondition = "header_condition"
	RuleMimeType        = "mime_type"
)

const routeToPrefix = "route_to:"

// matchedRuleTypeAffinity marks decisions produced by thread affinity
// rather than a triage_rules row.
const matchedRuleTypeAffinity = "thread_affinity"

// Envelope is the projection of an ingest.v1 envelope that the evaluator
// consumes. Callers extract only what is required.
type Envelope struct {
	// SenderAddress is the full sender address, lowercased.
	SenderAddress string
	// SourceChannel is the ingest source channel (e.g. "email").
	SourceChannel string
	// Headers preserves keys/values as received; key comparison during
	// evaluation is case-insensitive.
	Headers map[string]string
	// MimeParts lists MIME type strings from attachments/parts.
	MimeParts []string
	// ThreadID is the external thread identity, used by the caller for
	// the thread-affinity check.
	ThreadID string
}

// Rule is one triage_rules row, condition already decoded from JSONB.
type Rule struct {
	ID        string
	RuleType  string
	Condition map[string]any
	Action    string
	Priority  int
}

// Decision is the triage outcome for one envelope.
type Decision struct {
	Decision        string `json:"decision"`
	TargetButler    string `json:"target_butler,omitempty"`
	MatchedRuleID   string `json:"matched_rule_id,omitempty"`
	MatchedRuleType string `json:"matched_rule_type,omitempty"`
	Reason          string `json:"reason"`
}

// BypassesLLM reports whether no LLM classification is needed.
func (d Decision) BypassesLLM() bool {
	return d.Decision != DecisionPassThrough
}

// Evaluate runs the triage pipeline over an envelope. rules must already be
// sorted (priority ASC, created_at ASC, id ASC); affinityTarget is the
// pre-resolved thread-affinity butler, empty when there was no hit.
func Evaluate(env Envelope, rules []Rule, affinityTarget string, logger *zap.Logger) Decision {
	if affinityTarget != "" {
		return Decision{
			Decision:        DecisionRouteTo,
			TargetButler:    affinityTarget,
			MatchedRuleType: matchedRuleTypeAffinity,
			Reason:          "thread affinity match → " + affinityTarget,
		}
	}

	for _, rule := range rules {
		matched, ok := evaluateRule(env, rule, logger)
		if !ok {
			return Decision{
				Decision: DecisionPassThrough,
				Reason:   "triage rule evaluation failed",
			}
		}
		if !matched {
			continue
		}

		action := rule.Action
		if action == "" {
			action = DecisionPassThrough
		}
		decision, target := parseAction(action)
		return Decision{
			Decision:        decision,
			TargetButler:    target,
			MatchedRuleID:   rule.ID,
			MatchedRuleType: rule.RuleType,
			Reason:          rule.RuleType + " match → " + action,
		}
	}

	return Decision{
		Decision: DecisionPassThrough,
		Reason:   "no deterministic rule matched",
	}
}

// evaluateRule returns whether the envelope matches one rule's condition.
// A panic inside a matcher is recovered and reported as ok=false, which
// downgrades the whole evaluation to pass_through.
func evaluateRule(env Envelope, rule Rule, logger *zap.Logger) (matched, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Warn("triage rule evaluation panicked; falling back to pass_through",
					zap.String("rule_id", rule.ID),
					zap.String("rule_type", rule.RuleType),
					zap.Any("panic", r),
				)
			}
			matched, ok = false, false
		}
	}()

	switch rule.RuleType {
	case RuleSenderDomain:
		return matchSenderDomain(env.SenderAddress, rule.Condition), true
	case RuleSenderAddress:
		return matchSenderAddress(env.SenderAddress, rule.Condition), true
	case RuleHeaderCondition:
		return matchHeaderCondition(env.Headers, rule.Condition), true
	case RuleMimeType:
		return matchMimeType(env.MimeParts, rule.Condition), true
	}

	if logger != nil {
		logger.Warn("unknown rule_type during triage evaluation",
			zap.String("rule_type", rule.RuleType))
	}
	return false, true
}

// senderDomain extracts the lowercase domain from a sender address.
func senderDomain(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	if at := strings.Index(address, "@"); at >= 0 {
		return address[at+1:]
	}
	return address
}

// matchSenderDomain evaluates {"domain": "chase.com", "match": "exact"|"suffix"}.
// Suffix matches when the sender domain equals the pattern or ends with
// ".<pattern>".
func matchSenderDomain(senderAddress string, condition map[string]any) bool {
	pattern := strings.ToLower(strings.TrimSpace(conditionString(condition, "domain")))
	matchType := strings.ToLower(strings.TrimSpace(conditionString(condition, "match")))
	if matchType == "" {
		matchType = "exact"
	}
	if pattern == "" {
		return false
	}

	domain := senderDomain(senderAddress)
	switch matchType {
	case "exact":
		return domain == pattern
	case "suffix":
		return domain == pattern || strings.HasSuffix(domain, "."+pattern)
	}
	return false
}

// matchSenderAddress evaluates {"address": "alerts@chase.com"} with
// case-insensitive equality after trim.
func matchSenderAddress(senderAddress string, condition map[string]any) bool {
	target := strings.ToLower(strings.TrimSpace(conditionString(condition, "address")))
	return target != "" && strings.ToLower(strings.TrimSpace(senderAddress)) == target
}

// matchHeaderCondition evaluates
// {"header": "List-Unsubscribe", "op": "present"|"equals"|"contains", "value": ...}.
// Header key lookup is case-insensitive; equals trims both sides; contains
// is a substring test on the raw value.
func matchHeaderCondition(headers map[string]string, condition map[string]any) bool {
	headerName := strings.TrimSpace(conditionString(condition, "header"))
	op := strings.ToLower(strings.TrimSpace(conditionString(condition, "op")))
	if headerName == "" || op == "" {
		return false
	}

	var matchedValue *string
	for key, hval := range headers {
		if strings.EqualFold(key, headerName) {
			v := hval
			matchedValue = &v
			break
		}
	}

	if op == "present" {
		return matchedValue != nil
	}
	if matchedValue == nil {
		return false
	}

	value, hasValue := condition["value"]
	switch op {
	case "equals":
		if !hasValue || value == nil {
			return false
		}
		return strings.TrimSpace(*matchedValue) == strings.TrimSpace(anyToString(value))
	case "contains":
		if !hasValue || value == nil {
			return false
		}
		return strings.Contains(*matchedValue, anyToString(value))
	}
	return false
}

// matchMimeType evaluates {"type": "text/calendar" | "image/*"} across all
// MIME parts; "image/*" matches any image subtype.
func matchMimeType(mimeParts []string, condition map[string]any) bool {
	pattern := strings.ToLower(strings.TrimSpace(conditionString(condition, "type")))
	if pattern == "" {
		return false
	}

	isWildcard := strings.HasSuffix(pattern, "/*")
	mainType := strings.TrimSuffix(pattern, "/*")

	for _, part := range mimeParts {
		partLower := strings.ToLower(strings.TrimSpace(part))
		if isWildcard {
			if strings.HasPrefix(partLower, mainType+"/") || partLower == mainType {
				return true
			}
		} else if partLower == pattern {
			return true
		}
	}
	return false
}

// parseAction splits "route_to:finance" into ("route_to", "finance");
// plain actions return an empty target.
func parseAction(action string) (decision, target string) {
	if strings.HasPrefix(action, routeToPrefix) {
		return DecisionRouteTo, action[len(routeToPrefix):]
	}
	return action, ""
}

func conditionString(condition map[string]any, key string) string {
	v, ok := condition[key]
	if !ok || v == nil {
		return ""
	}
	return anyToString(v)
}

// anyToString renders decoded JSONB condition values as comparison strings.
func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSONB numbers decode as float64.
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
