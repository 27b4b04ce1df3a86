// Package session implements the per-user conversation state machine.
//
// The machine is a pure function of (snapshot, input): it touches no store,
// spawns nothing, and consults no globals, so every transition is reproducible
// in tests. Persistence and mutual exclusion live with the caller.
package session

import (
	"fmt"
	"sort"
	"strings"

	"voice-intent-pipeline/internal/models"
)

// Input is one classified utterance presented to the machine. Intent is empty
// when the transcript is an answer to a pending question rather than a fresh
// command.
type Input struct {
	Transcript string
	Intent     string
	Entities   map[string]string
	Confidence float64
}

// Snapshot is the read-only view of a session the machine transitions from.
type Snapshot struct {
	State           string
	PendingIntent   string
	Entities        map[string]string
	MissingEntities []string
	Language        string
}

// Decision is the machine's verdict for one turn. When Execute is true the
// caller must invoke the intent executor exactly once and then finalize with
// Completed or Aborted; ResponseText is already rendered for every other case.
type Decision struct {
	State           string
	PendingIntent   string
	Entities        map[string]string
	MissingEntities []string
	ResponseText    string
	Execute         bool
}

// Machine evaluates conversation transitions against an intent catalog.
type Machine struct {
	catalog       map[string]IntentSpec
	phrases       map[string]Phrases
	defaultLang   string
	minConfidence float64
}

// New builds a machine. A nil catalog or phrase map falls back to defaults.
func New(catalog map[string]IntentSpec, phrases map[string]Phrases, defaultLang string, minConfidence float64) *Machine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if phrases == nil {
		phrases = DefaultPhrases()
	}
	if defaultLang == "" {
		defaultLang = "en"
	}
	return &Machine{
		catalog:       catalog,
		phrases:       phrases,
		defaultLang:   defaultLang,
		minConfidence: minConfidence,
	}
}

// PhrasesFor returns the phrase table for a language, falling back to the
// default language and then to English so the machine never replies with
// empty prompts.
func (m *Machine) PhrasesFor(lang string) Phrases {
	if p, ok := m.phrases[lang]; ok {
		return p
	}
	if p, ok := m.phrases[m.defaultLang]; ok {
		return p
	}
	return m.phrases["en"]
}

// AwaitsAnswer reports whether the session expects the next transcript to be
// an answer rather than a fresh command, so the caller can skip recognition.
func AwaitsAnswer(state string) bool {
	return state == models.StateAwaitingClarify || state == models.StateConfirming
}

// Step computes the next state for one input. Every (state, input) pair maps
// to a defined decision; combinations with no specific rule re-ask the last
// pending question instead of failing.
func (m *Machine) Step(s Snapshot, in Input) Decision {
	p := m.PhrasesFor(s.Language)

	// Cancellation wins from any in-dialogue state.
	if AwaitsAnswer(s.State) && matchesAny(in.Transcript, p.Cancel) {
		return Decision{State: models.StateAborted, ResponseText: p.Aborted}
	}

	switch s.State {
	case models.StateAwaitingClarify:
		return m.stepClarify(s, in, p)
	case models.StateConfirming:
		return m.stepConfirm(s, in, p)
	default:
		// Idle, plus any state a crashed worker may have left behind
		// (Recognizing, Executing, Completed, Aborted): the new transcript
		// starts a fresh recognition.
		return m.stepFresh(s, in, p)
	}
}

func (m *Machine) stepFresh(s Snapshot, in Input, p Phrases) Decision {
	spec, ok := m.catalog[in.Intent]
	if !ok || in.Intent == "" || in.Confidence < m.minConfidence {
		return Decision{State: models.StateIdle, ResponseText: p.Unknown}
	}

	entities := cloneEntities(in.Entities)
	return m.advance(spec, entities, p)
}

func (m *Machine) stepClarify(s Snapshot, in Input, p Phrases) Decision {
	spec, ok := m.catalog[s.PendingIntent]
	if !ok || len(s.MissingEntities) == 0 {
		// Nothing left to clarify; treat as a fresh command.
		return m.stepFresh(s, in, p)
	}

	answer := strings.TrimSpace(in.Transcript)
	pending := s.MissingEntities[0]
	entities := cloneEntities(s.Entities)
	if answer == "" {
		return Decision{
			State:           models.StateAwaitingClarify,
			PendingIntent:   spec.Name,
			Entities:        entities,
			MissingEntities: s.MissingEntities,
			ResponseText:    p.askFor(pending),
		}
	}

	// Recognizers may resolve the answer into named entities; otherwise the
	// raw transcript fills the pending slot.
	for k, v := range in.Entities {
		entities[k] = v
	}
	if _, ok := entities[pending]; !ok {
		entities[pending] = answer
	}
	return m.advance(spec, entities, p)
}

func (m *Machine) stepConfirm(s Snapshot, in Input, p Phrases) Decision {
	spec, ok := m.catalog[s.PendingIntent]
	if !ok {
		return m.stepFresh(s, in, p)
	}
	switch {
	case matchesAny(in.Transcript, p.Affirmative):
		return Decision{
			State:         models.StateExecuting,
			PendingIntent: spec.Name,
			Entities:      cloneEntities(s.Entities),
			Execute:       true,
		}
	case matchesAny(in.Transcript, p.Negative):
		return Decision{State: models.StateAborted, ResponseText: p.Aborted}
	default:
		// Neither yes nor no: re-ask.
		return Decision{
			State:         models.StateConfirming,
			PendingIntent: spec.Name,
			Entities:      cloneEntities(s.Entities),
			ResponseText:  m.confirmText(spec, s.Entities, p),
		}
	}
}

// advance routes a recognized intent with its collected entities to the next
// state: ask for the first missing entity, confirm a risky action, or execute
// a low-risk one directly.
func (m *Machine) advance(spec IntentSpec, entities map[string]string, p Phrases) Decision {
	missing := missingEntities(spec, entities)
	if len(missing) > 0 {
		return Decision{
			State:           models.StateAwaitingClarify,
			PendingIntent:   spec.Name,
			Entities:        entities,
			MissingEntities: missing,
			ResponseText:    p.askFor(missing[0]),
		}
	}
	if spec.LowRisk {
		return Decision{
			State:         models.StateExecuting,
			PendingIntent: spec.Name,
			Entities:      entities,
			Execute:       true,
		}
	}
	return Decision{
		State:         models.StateConfirming,
		PendingIntent: spec.Name,
		Entities:      entities,
		ResponseText:  m.confirmText(spec, entities, p),
	}
}

func (m *Machine) confirmText(spec IntentSpec, entities map[string]string, p Phrases) string {
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, entities[k]))
	}
	return fmt.Sprintf(p.Confirm, strings.ReplaceAll(spec.Name, "_", " "), strings.Join(parts, ", "))
}

func missingEntities(spec IntentSpec, entities map[string]string) []string {
	var missing []string
	for _, name := range spec.Required {
		if v, ok := entities[name]; !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func cloneEntities(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
