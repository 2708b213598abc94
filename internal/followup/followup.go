// Package followup decides whether a query continues the previous turn's
// topic. Detection is an ordered rule cascade: first matching rule wins,
// there is no scoring or voting across rules.
package followup

import (
	"regexp"
	"strings"
)

// Result reports the cascade's decision. Confidence is the fixed confidence
// of the rule that fired; callers apply their own threshold (>= 0.6) before
// using the decision to anchor retrieval, since a false positive silently
// narrows results to a stale record set.
type Result struct {
	IsFollowup bool    `json:"is_followup"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

var referentialPronouns = []string{
	"that", "those", "these", "this", "them", "they", "it",
	"such", "said", "mentioned", "above", "previous",
}

var followupStarters = []string{
	"why", "how", "what about", "can you explain", "tell me more",
	"what caused", "what made", "what led to", "elaborate",
	"more details", "more info", "explain", "clarify",
}

var newQueryTemporal = []string{
	"today", "yesterday", "tomorrow", "this week", "last week",
	"next week", "this month", "last month", "next month",
	"this year", "last year", "in 2024", "in 2025",
	"monday", "tuesday", "wednesday", "thursday", "friday",
	"saturday", "sunday", "january", "february", "march",
	"april", "may", "june", "july", "august", "september",
	"october", "november", "december",
}

var newQueryStarters = []string{
	"show me", "give me", "what is", "what was", "what are",
	"what were", "how many", "list all", "find", "search",
	"compare", "analyze", "calculate", "get my",
}

var greetings = map[string]bool{
	"hello": true, "hi": true, "hey": true, "thanks": true,
	"thank you": true, "ok": true, "okay": true, "got it": true,
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "my": true, "i": true, "me": true,
	"was": true, "were": true, "is": true, "are": true,
}

var referencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(those|these|that|the)\s+(trade|trades|loss|losses|profit|win|gains?|result|number|figure|stat)\b`),
	regexp.MustCompile(`\b(my|the)\s+(previous|last|earlier)\s+`),
	regexp.MustCompile(`\bfrom\s+(that|the\s+previous|earlier|before)`),
	regexp.MustCompile(`\bin\s+(that|those|these)\b`),
	regexp.MustCompile(`\babout\s+(that|those|these|them|it)\b`),
}

var comparativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bcompare\b`),
	regexp.MustCompile(`\bvs\b`),
	regexp.MustCompile(`\bversus\b`),
	regexp.MustCompile(`\bdifference between\b`),
	regexp.MustCompile(`\brather than\b`),
	regexp.MustCompile(`\binstead of\b`),
	regexp.MustCompile(`\bbetter than\b`),
	regexp.MustCompile(`\bworse than\b`),
}

var (
	whatIsPattern     = regexp.MustCompile(`\b(what is|what are|what's)\b`)
	whyVerbPattern    = regexp.MustCompile(`\bwhy (did|do|does|was|were|is|are)\b`)
	tradingSubjectsRe = regexp.MustCompile(`\b(trade|trades|loss|losses|profit|win|strategy|performance|result)\b`)
)

// Classify runs the cascade over the current and previous user queries.
// A missing previous query is definitively not a follow-up.
func Classify(current, previous string) Result {
	if previous == "" {
		return Result{IsFollowup: false, Confidence: 1.0, Reason: "no previous query in conversation"}
	}

	cur := strings.ToLower(strings.TrimSpace(current))
	prev := strings.ToLower(strings.TrimSpace(previous))
	words := strings.Fields(cur)

	// Rule 1+2: very short queries are usually clarifications.
	if len(words) > 0 && len(words) <= 2 {
		first := strings.TrimRight(words[0], "?!.")
		switch first {
		case "why", "how", "when", "where", "what":
			return Result{IsFollowup: true, Confidence: 0.95, Reason: "very short interrogative, likely seeking clarification"}
		case "and", "also", "more", "else", "additionally":
			return Result{IsFollowup: true, Confidence: 0.98, Reason: "continuation word, clear follow-up"}
		}
	}

	// Temporal phrases are stripped before pronoun detection so that the
	// "this" in "this month" reads as a time scope, not a back-reference.
	hasReferential := containsWordAny(stripTemporal(cur), referentialPronouns)

	// Rule 3: referential pronoun plus interrogative opener. The "what is X"
	// exception is guarded on hasReferential being false, which cannot hold
	// inside this branch; the guard is kept as-is because the precedence it
	// encodes (ambiguous pronoun+question reads as follow-up) is intended.
	if hasReferential {
		if startsWithAny(cur, []string{"why", "how", "what", "when", "where"}) {
			if whatIsPattern.MatchString(cur) && !hasReferential {
				// unreachable; fall through by construction
			} else {
				return Result{IsFollowup: true, Confidence: 0.92, Reason: "referential pronoun with interrogative, references previous context"}
			}
		}
	}

	// Rule 4: explicit backward references ("those trades", "my previous ...").
	for _, re := range referencePatterns {
		if re.MatchString(cur) {
			return Result{IsFollowup: true, Confidence: 0.90, Reason: "explicit reference pattern, references previous query data"}
		}
	}

	// Rule 5: follow-up discourse markers, unless a new time scope appears.
	for _, starter := range followupStarters {
		if strings.HasPrefix(cur, starter) {
			if !containsAny(cur, newQueryTemporal) {
				return Result{IsFollowup: true, Confidence: 0.85, Reason: "follow-up question starter '" + starter + "' without new time scope"}
			}
		}
	}

	// Rule 6: a fresh temporal phrase without pronouns resets the scope.
	if containsAny(cur, newQueryTemporal) && !hasReferential {
		return Result{IsFollowup: false, Confidence: 0.88, Reason: "introduces new time period, likely new query scope"}
	}

	// Rule 7: fresh-query phrasing, still a follow-up when pronouns point back.
	if startsWithAny(cur, newQueryStarters) {
		if hasReferential {
			return Result{IsFollowup: true, Confidence: 0.80, Reason: "new query starter but references previous context"}
		}
		return Result{IsFollowup: false, Confidence: 0.85, Reason: "starts with new query indicator without references"}
	}

	// Rule 8: heavy lexical overlap reads as a rephrased new query.
	if overlapRatio(cur, prev) > 0.4 {
		return Result{IsFollowup: false, Confidence: 0.70, Reason: "high lexical overlap, likely rephrased or related new query"}
	}

	// Rule 9: comparative language opens a new analytical question.
	for _, re := range comparativePatterns {
		if re.MatchString(cur) {
			return Result{IsFollowup: false, Confidence: 0.82, Reason: "comparative language, likely new analytical query"}
		}
	}

	// Rule 10: "why did/was ..." about the same trading subject as last turn.
	if whyVerbPattern.MatchString(cur) && !hasReferential {
		curSubjects := tradingSubjectsRe.FindAllString(cur, -1)
		prevSubjects := tradingSubjectsRe.FindAllString(prev, -1)
		if intersects(curSubjects, prevSubjects) {
			return Result{IsFollowup: true, Confidence: 0.75, Reason: "asks 'why' about same subject as previous query"}
		}
	}

	// Rule 11: greetings and acknowledgments are never follow-ups.
	if greetings[cur] {
		return Result{IsFollowup: false, Confidence: 1.0, Reason: "greeting or acknowledgment"}
	}

	// Default: conservative. Treating an ambiguous query as scoped to stale
	// data is worse than re-fetching fresh data.
	return Result{IsFollowup: false, Confidence: 0.60, Reason: "no clear follow-up indicators detected"}
}

func stripTemporal(s string) string {
	for _, p := range newQueryTemporal {
		s = strings.ReplaceAll(s, p, " ")
	}
	return s
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// containsWordAny matches pronouns as substrings of the lowered query, the
// same way the detection rules were originally tuned.
func containsWordAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func startsWithAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func overlapRatio(cur, prev string) float64 {
	curSet := map[string]bool{}
	for _, w := range strings.Fields(cur) {
		if !stopWords[w] {
			curSet[w] = true
		}
	}
	if len(curSet) == 0 {
		return 0
	}
	prevSet := map[string]bool{}
	for _, w := range strings.Fields(prev) {
		prevSet[w] = true
	}
	overlap := 0
	for w := range curSet {
		if prevSet[w] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(curSet))
}

func intersects(a, b []string) bool {
	set := map[string]bool{}
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}
