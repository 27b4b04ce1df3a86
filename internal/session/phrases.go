package session

import (
	"fmt"
	"strings"
)

// Phrases holds the per-language response texts and trigger words.
type Phrases struct {
	Cancel      []string
	Affirmative []string
	Negative    []string

	AskEntity   map[string]string // entity name -> question
	Confirm     string            // fmt template: intent, entity summary
	Unknown     string
	Aborted     string
	TryAgain    string // transient provider trouble
	ProviderOut string // both providers exhausted
	ExecFailed  string
}

// DefaultPhrases seeds English and Swahili. Other languages fall back to the
// default language's table.
func DefaultPhrases() map[string]Phrases {
	return map[string]Phrases{
		"en": {
			Cancel:      []string{"cancel", "stop", "never mind", "forget it"},
			Affirmative: []string{"yes", "yeah", "yep", "confirm", "correct", "go ahead"},
			Negative:    []string{"no", "nope", "don't"},
			AskEntity: map[string]string{
				"campaign": "Which campaign is this for?",
				"amount":   "How much would you like to give?",
			},
			Confirm:     "You want to %s (%s). Say yes to confirm or no to cancel.",
			Unknown:     "Sorry, I didn't catch that. You can donate, check your balance, or ask about a campaign.",
			Aborted:     "Okay, cancelled. Nothing was done.",
			TryAgain:    "Something went wrong on our side. Please try again in a moment.",
			ProviderOut: "Our voice service is temporarily unavailable. Please try again later.",
			ExecFailed:  "I understood you, but the action could not be completed. Please try again.",
		},
		"sw": {
			Cancel:      []string{"ghairi", "acha", "sitisha", "wacha"},
			Affirmative: []string{"ndiyo", "ndio", "sawa", "thibitisha"},
			Negative:    []string{"hapana", "la"},
			AskEntity: map[string]string{
				"campaign": "Kampeni ipi unayomaanisha?",
				"amount":   "Unataka kutoa kiasi gani?",
			},
			Confirm:     "Unataka %s (%s). Sema ndiyo kuthibitisha au hapana kughairi.",
			Unknown:     "Samahani, sikuelewa. Unaweza kuchangia, kuangalia salio, au kuuliza kuhusu kampeni.",
			Aborted:     "Sawa, imeghairiwa. Hakuna kilichofanyika.",
			TryAgain:    "Kuna hitilafu kwa upande wetu. Tafadhali jaribu tena baadaye kidogo.",
			ProviderOut: "Huduma ya sauti haipatikani kwa sasa. Tafadhali jaribu tena baadaye.",
			ExecFailed:  "Nimekuelewa, lakini kitendo hakikukamilika. Tafadhali jaribu tena.",
		},
	}
}

func (p Phrases) askFor(entity string) string {
	if q, ok := p.AskEntity[entity]; ok {
		return q
	}
	return fmt.Sprintf("Please tell me the %s.", strings.ReplaceAll(entity, "_", " "))
}

// matchesAny reports whether the normalized transcript contains one of the
// trigger phrases as a whole-word prefix or exact token.
func matchesAny(transcript string, phrases []string) bool {
	t := normalize(transcript)
	for _, p := range phrases {
		if t == p || strings.HasPrefix(t, p+" ") || strings.HasSuffix(t, " "+p) || strings.Contains(t, " "+p+" ") {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".!?,")
	return strings.Join(strings.Fields(s), " ")
}
