// Package threatpatterns holds the regex catalog the IntentAnalyzer
// pre-screens every request body against before ever calling the LLM.
// Grounded in the teacher's pkg/models.JobSpecValidator's regexp.MustCompile
// idiom (precompiled package-level patterns, one concern per check).
package threatpatterns

import (
	"regexp"
	"strings"

	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

// pattern pairs a compiled regex with the threat type it signals.
type pattern struct {
	threatType gazmodels.ThreatType
	re         *regexp.Regexp
}

var catalog = []pattern{
	{gazmodels.ThreatPromptInjection, regexp.MustCompile(`(?i)ignore (all )?previous instructions`)},
	{gazmodels.ThreatPromptInjection, regexp.MustCompile(`(?i)disregard (the )?above`)},
	{gazmodels.ThreatPromptInjection, regexp.MustCompile(`(?i)forget (everything|what) (you|i) (told|said)`)},
	{gazmodels.ThreatPromptInjection, regexp.MustCompile(`(?i)you are now a`)},
	{gazmodels.ThreatPromptInjection, regexp.MustCompile(`(?i)pretend (you're|to be)`)},
	{gazmodels.ThreatPromptInjection, regexp.MustCompile(`(?i)act as (if|though)`)},
	{gazmodels.ThreatPromptInjection, regexp.MustCompile(`(?i)system:`)},
	{gazmodels.ThreatPromptInjection, regexp.MustCompile(`\$INST\$`)},
	{gazmodels.ThreatPromptInjection, regexp.MustCompile(`(?i)<<SYS>>`)},

	{gazmodels.ThreatDataExfiltration, regexp.MustCompile(`(?i)show me (all|the) (users|passwords|secrets|keys|tokens)`)},
	{gazmodels.ThreatDataExfiltration, regexp.MustCompile(`(?i)dump (the )?(database|db|table)`)},
	{gazmodels.ThreatDataExfiltration, regexp.MustCompile(`(?i)export all`)},
	{gazmodels.ThreatDataExfiltration, regexp.MustCompile(`(?i)list (all )?(api )?keys`)},

	{gazmodels.ThreatPrivilegeEscalation, regexp.MustCompile(`(?i)grant (me )?admin`)},
	{gazmodels.ThreatPrivilegeEscalation, regexp.MustCompile(`(?i)make me (an? )?admin`)},
	{gazmodels.ThreatPrivilegeEscalation, regexp.MustCompile(`(?i)elevate (my )?privileges`)},
	{gazmodels.ThreatPrivilegeEscalation, regexp.MustCompile(`(?i)sudo|root access`)},

	{gazmodels.ThreatCommandInjection, regexp.MustCompile(`;\s*(rm|del|drop|truncate|delete)\s`)},
	{gazmodels.ThreatCommandInjection, regexp.MustCompile(`\|\s*(bash|sh|cmd|powershell)`)},
	{gazmodels.ThreatCommandInjection, regexp.MustCompile("`[^`]*`")},
	{gazmodels.ThreatCommandInjection, regexp.MustCompile(`\$\([^)]*\)`)},
}

// Match is one regex hit against a screened body.
type Match struct {
	ThreatType gazmodels.ThreatType
	Pattern    string
}

// Scan runs the full catalog against body and returns every match, in
// catalog order. An empty slice means nothing matched.
func Scan(body string) []Match {
	var matches []Match
	for _, p := range catalog {
		if p.re.MatchString(body) {
			matches = append(matches, Match{ThreatType: p.threatType, Pattern: p.re.String()})
		}
	}
	return matches
}

// FirstThreatType returns the threat type of the first match, or
// ThreatNone if nothing matched.
func FirstThreatType(matches []Match) gazmodels.ThreatType {
	if len(matches) == 0 {
		return gazmodels.ThreatNone
	}
	return matches[0].ThreatType
}

// AnyMatch reports whether body trips any pattern, without allocating
// the full match list.
func AnyMatch(body string) bool {
	for _, p := range catalog {
		if p.re.MatchString(body) {
			return true
		}
	}
	return false
}

// ContainsFold is a case-insensitive substring check. The PolicyEngine's
// "contains" operator does not use it; that operator is case-sensitive.
func ContainsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
