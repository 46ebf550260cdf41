package executive

import (
	"log/slog"
	"regexp"
)

// GuardAction is what the executive does when an utterance headed for a
// persistent tier matches an injection pattern.
type GuardAction string

const (
	GuardOff   GuardAction = "off"   // no scanning
	GuardLog   GuardAction = "log"   // info log only
	GuardWarn  GuardAction = "warn"  // warning log (default)
	GuardBlock GuardAction = "block" // keep it out of rule and long-term memory
)

// ReasonGuarded is the outcome reason when GuardBlock diverted an utterance.
const ReasonGuarded = "guarded"

type guardPattern struct {
	name    string
	pattern *regexp.Regexp
}

// InputGuard scans utterances for prompt-injection patterns. Rules are
// replayed into every future prompt, so an injected "rule" would persist
// across sessions.
type InputGuard struct {
	action   GuardAction
	patterns []guardPattern
}

// NewInputGuard creates a guard with the built-in patterns. An unknown
// action means GuardWarn.
func NewInputGuard(action GuardAction) *InputGuard {
	switch action {
	case GuardOff, GuardLog, GuardWarn, GuardBlock:
	default:
		action = GuardWarn
	}
	return &InputGuard{action: action, patterns: defaultGuardPatterns()}
}

// Action returns the configured action.
func (g *InputGuard) Action() GuardAction { return g.action }

// Scan returns the names of matched patterns.
func (g *InputGuard) Scan(message string) []string {
	if message == "" || g.action == GuardOff {
		return nil
	}
	var matches []string
	for _, gp := range g.patterns {
		if gp.pattern.MatchString(message) {
			matches = append(matches, gp.name)
		}
	}
	return matches
}

// check scans text and reports whether it must be kept out of persistent tiers.
func (g *InputGuard) check(text string) (flags []string, block bool) {
	flags = g.Scan(text)
	if len(flags) == 0 {
		return nil, false
	}
	switch g.action {
	case GuardLog:
		slog.Info("executive: injection pattern in utterance", "patterns", flags)
	default:
		slog.Warn("executive: injection pattern in utterance", "patterns", flags, "action", g.action)
	}
	return flags, g.action == GuardBlock
}

func defaultGuardPatterns() []guardPattern {
	return []guardPattern{
		{
			name:    "ignore_instructions",
			pattern: regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier|preceding)\s+(instructions?|rules?|prompts?|directives?|guidelines?)`),
		},
		{
			name:    "ignore_instructions_zh",
			pattern: regexp.MustCompile(`(忽略|无视|忘掉|忘记)(之前|以上|前面|上面)?(的)?(所有|全部)?(的)?(指令|指示|规则|设定|提示词|系统提示)`),
		},
		{
			name:    "system_tags",
			pattern: regexp.MustCompile(`(?i)</?system>|\[SYSTEM\]|\[INST\]|<<SYS>>|<\|im_start\|>system`),
		},
		{
			name:    "instruction_injection",
			pattern: regexp.MustCompile(`(?i)(new instructions?:|override:|system prompt:|<\|system\|>|系统提示[:：]|新指令[:：])`),
		},
		{
			name:    "null_bytes",
			pattern: regexp.MustCompile(`\x00`),
		},
		{
			name:    "delimiter_escape",
			pattern: regexp.MustCompile(`(?i)(end of system|begin user input|</?(instructions?|rules|prompt|context)>)`),
		},
	}
}
