package nlu

import (
	"context"
	"regexp"
	"strings"
)

var (
	amountRe   = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*(?:dollars?|shillings?|usd|kes|tzs|bob)?\b`)
	campaignRe = regexp.MustCompile(`(?:\bto\b|\bfor\b|\bkwa\b)\s+(?:the\s+)?([a-z][a-z0-9 _-]{2,40}?)(?:\s+campaign\b|$)`)
)

// RuleRecognizer is a deterministic keyword/regex fallback recognizer. It
// keeps the pipeline functional when no NLU endpoint is configured and gives
// tests a recognizer with no network behind it.
type RuleRecognizer struct{}

func NewRuleRecognizer() *RuleRecognizer { return &RuleRecognizer{} }

func (r *RuleRecognizer) Recognize(_ context.Context, transcript, _ string) (Intent, error) {
	t := strings.ToLower(strings.TrimSpace(transcript))
	out := Intent{Entities: map[string]string{}}
	if t == "" {
		return out, nil
	}

	switch {
	case containsAny(t, "donate", "give", "contribute", "changia", "toa"):
		out.Name = "donate"
		out.Confidence = 0.9
	case containsAny(t, "balance", "salio"):
		out.Name = "check_balance"
		out.Confidence = 0.9
	case containsAny(t, "list campaigns", "which campaigns", "campaigns", "kampeni zipi"):
		out.Name = "list_campaigns"
		out.Confidence = 0.85
	case containsAny(t, "status", "how is", "progress", "hali ya"):
		out.Name = "campaign_status"
		out.Confidence = 0.8
	default:
		return out, nil
	}

	if m := amountRe.FindStringSubmatch(t); m != nil {
		out.Entities["amount"] = m[1]
	}
	if m := campaignRe.FindStringSubmatch(t); m != nil {
		name := strings.TrimSpace(m[1])
		// Amount phrases also match the preposition pattern; skip digits.
		if name != "" && !strings.ContainsAny(name, "0123456789") {
			out.Entities["campaign"] = name
		}
	}
	return out, nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
