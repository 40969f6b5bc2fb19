package prompt

import (
	"regexp"
	"strings"
	"unicode"
)

// Injection categories. A matched query is never rejected; the category is
// surfaced in the security annotation so the model sees the text as data.
const (
	CategoryInstructionOverride = "instruction-override"
	CategoryRevealSystem        = "reveal-system"
	CategoryRoleReassignment    = "role-reassignment"
)

// DefaultRulesVersion identifies the built-in rule table. Bump when the
// table changes so logged detections can be traced to the rules that fired.
const DefaultRulesVersion = 1

// Rule maps an injection pattern to its category. Rules are evaluated in
// order; a query can match rules from several categories.
type Rule struct {
	Category string
	Pattern  *regexp.Regexp
}

// RuleSet is a versioned, swappable table of injection rules. The detection
// mechanism stays behind this type so a future classifier can replace the
// regex table without changing the Engine contract.
type RuleSet struct {
	Version int
	Rules   []Rule
}

// DefaultRules returns the built-in injection rule table.
//
// No pattern table is complete. This catches the common phrasings; the
// system instructions and context delimiters are the second line of defense.
func DefaultRules() RuleSet {
	mk := func(category, pattern string) Rule {
		return Rule{Category: category, Pattern: regexp.MustCompile(pattern)}
	}
	return RuleSet{
		Version: DefaultRulesVersion,
		Rules: []Rule{
			mk(CategoryInstructionOverride, `(?i)ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)`),
			mk(CategoryInstructionOverride, `(?i)disregard\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?)`),
			mk(CategoryInstructionOverride, `(?i)forget\s+(all\s+)?(previous|above|prior)\s+(instructions?|context)`),
			mk(CategoryInstructionOverride, `(?i)override\s+(all\s+)?(previous|above|prior)\s+(instructions?|rules?)`),
			mk(CategoryInstructionOverride, `(?i)^new\s+(instruction|task|rule)\s*:`),

			mk(CategoryRevealSystem, `(?i)(reveal|show|print|repeat|output)\s+(your\s+|the\s+)?(system\s+)?(prompt|instructions?)`),
			mk(CategoryRevealSystem, `(?i)what\s+(are|were)\s+your\s+(initial\s+|original\s+)?instructions`),
			mk(CategoryRevealSystem, `(?i)</?(system|instruction|prompt)>`),

			mk(CategoryRoleReassignment, `(?i)(pretend|act|behave|imagine)\s+(you\s+are|to\s+be|as\s+if|like)`),
			mk(CategoryRoleReassignment, `(?i)you\s+are\s+now\s+a`),
			mk(CategoryRoleReassignment, `(?i)from\s+now\s+on,?\s+you\s+(are|will|must)`),
			mk(CategoryRoleReassignment, `(?i)say\s+you\s+are\s+a`),
		},
	}
}

// Detect returns the categories matched by input, in rule order without
// duplicates. An empty result means no pattern fired.
func (rs RuleSet) Detect(input string) []string {
	normalized := normalizeInput(input)

	var categories []string
	seen := make(map[string]bool, 3)
	for _, r := range rs.Rules {
		if seen[r.Category] {
			continue
		}
		if r.Pattern.MatchString(normalized) {
			seen[r.Category] = true
			categories = append(categories, r.Category)
		}
	}
	return categories
}

// normalizeInput strips zero-width and format characters and collapses
// whitespace so spacing tricks don't evade the patterns.
func normalizeInput(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Cf, r) || unicode.Is(unicode.Mn, r) {
			continue
		}
		if unicode.IsSpace(r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
