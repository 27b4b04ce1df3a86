package session

// IntentSpec declares what the pipeline needs before an intent may execute.
type IntentSpec struct {
	Name     string
	Required []string
	// LowRisk intents execute without an explicit confirmation turn.
	LowRisk bool
}

// DefaultCatalog covers the campaign/donation intents the executor understands.
func DefaultCatalog() map[string]IntentSpec {
	specs := []IntentSpec{
		{Name: "donate", Required: []string{"campaign", "amount"}},
		{Name: "list_campaigns", LowRisk: true},
		{Name: "check_balance", LowRisk: true},
		{Name: "campaign_status", Required: []string{"campaign"}, LowRisk: true},
	}
	out := make(map[string]IntentSpec, len(specs))
	for _, s := range specs {
		out[s.Name] = s
	}
	return out
}
