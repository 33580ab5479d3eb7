package robin

import (
	"strings"
)

// ScenarioRcpt is a per-recipient override: value is the TO address to
// match, response the canned reply to give.
type ScenarioRcpt struct {
	Value    string `yaml:"value"`
	Response string `yaml:"response"`
}

// Scenario is a test-fixture mapping from a client greeting identity to
// canned protocol responses. A scenario with no match keys is the
// default scenario and also supplies the banner override, since the
// banner is written before any identity is known.
type Scenario struct {
	Helo string `yaml:"helo"`
	Lhlo string `yaml:"lhlo"`
	Ehlo string `yaml:"ehlo"`

	Banner   string         `yaml:"banner"`
	StartTLS string         `yaml:"starttls"`
	Mail     string         `yaml:"mail"`
	Rcpt     []ScenarioRcpt `yaml:"rcpt"`
	Data     string         `yaml:"data"`
}

// matches reports whether the scenario is keyed to the given greeting.
func (s *Scenario) matches(verb Command, identity string) bool {
	switch verb {
	case CmdHelo:
		return s.Helo != "" && strings.EqualFold(s.Helo, identity)
	case CmdEhlo:
		return s.Ehlo != "" && strings.EqualFold(s.Ehlo, identity)
	case CmdLhlo:
		return s.Lhlo != "" && strings.EqualFold(s.Lhlo, identity)
	}
	return false
}

// isDefault reports whether the scenario has no match keys at all.
func (s *Scenario) isDefault() bool {
	return s.Helo == "" && s.Ehlo == "" && s.Lhlo == ""
}

// RcptResponse returns the canned reply for one recipient address, or
// "" when the scenario does not override it.
func (s *Scenario) RcptResponse(address string) string {
	for _, r := range s.Rcpt {
		if strings.EqualFold(r.Value, address) {
			return r.Response
		}
	}
	return ""
}

// ScenarioMatcher selects a response-override scenario keyed by the
// HELO/LHLO/EHLO identity. The scenario table is immutable after load
// and shared read-only across sessions.
type ScenarioMatcher struct {
	scenarios map[string]*Scenario
}

// NewScenarioMatcher creates a matcher over the configured scenarios.
func NewScenarioMatcher(scenarios map[string]*Scenario) *ScenarioMatcher {
	return &ScenarioMatcher{scenarios: scenarios}
}

// Match returns the scenario bound to the given greeting, or nil.
func (m *ScenarioMatcher) Match(verb Command, identity string) *Scenario {
	if m == nil {
		return nil
	}
	for _, s := range m.scenarios {
		if s.matches(verb, identity) {
			return s
		}
	}
	return nil
}

// Default returns the keyless scenario, or nil. It applies before any
// greeting has been received.
func (m *ScenarioMatcher) Default() *Scenario {
	if m == nil {
		return nil
	}
	for _, s := range m.scenarios {
		if s.isDefault() {
			return s
		}
	}
	return nil
}

// Render substitutes literal {$name} tokens in a canned response with
// values from the magic-variable map. Unknown tokens are left in place
// so a broken fixture is visible on the wire.
func Render(template string, env map[string]string) string {
	if !strings.Contains(template, "{$") {
		return template
	}
	var b strings.Builder
	b.Grow(len(template))
	for {
		start := strings.Index(template, "{$")
		if start == -1 {
			b.WriteString(template)
			return b.String()
		}
		end := strings.IndexByte(template[start:], '}')
		if end == -1 {
			b.WriteString(template)
			return b.String()
		}
		end += start
		name := template[start+2 : end]
		b.WriteString(template[:start])
		if value, ok := env[name]; ok {
			b.WriteString(value)
		} else {
			b.WriteString(template[start : end+1])
		}
		template = template[end+1:]
	}
}
