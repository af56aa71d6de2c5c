package router

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Suggestion weights. Prefix agreement counts most because people type the
// start of a name.
const (
	scoreExact          = 1000
	scorePrefixWeight   = 20
	scoreContainsWeight = 15
	scoreDistanceWeight = 5
	lengthDiffThreshold = 5
	lengthDiffPenalty   = 2
)

// Suggest returns up to n names from names that look like query, best first.
// Duplicates (after case folding) are reported once.
func Suggest(query string, names []string, n int) []string {
	if n <= 0 || len(names) == 0 {
		return nil
	}
	fold := cases.Fold()
	q := []rune(fold.String(strings.TrimSpace(query)))
	if len(q) == 0 {
		return nil
	}

	type scored struct {
		name  string
		score int
	}
	seen := make(map[string]bool)
	var matches []scored
	for _, name := range names {
		key := fold.String(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		if s := similarity(q, []rune(key)); s > 0 {
			matches = append(matches, scored{name, s})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].name < matches[j].name
	})
	if len(matches) > n {
		matches = matches[:n]
	}

	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.name
	}
	return out
}

// similarity scores two folded strings; zero or less means unrelated.
func similarity(a, b []rune) int {
	if string(a) == string(b) {
		return scoreExact
	}

	score := 0
	if p := commonPrefix(a, b); p > 0 {
		score += p * scorePrefixWeight
	}
	if strings.Contains(string(b), string(a)) {
		score += len(a) * scoreContainsWeight
	} else if strings.Contains(string(a), string(b)) {
		score += len(b) * scoreContainsWeight
	}

	longest := max(len(a), len(b))
	if d := levenshtein(a, b); d <= longest/2 {
		score += (longest - d) * scoreDistanceWeight
	}

	if diff := len(a) - len(b); diff > lengthDiffThreshold || -diff > lengthDiffThreshold {
		if diff < 0 {
			diff = -diff
		}
		score -= diff * lengthDiffPenalty
	}
	return score
}

func commonPrefix(a, b []rune) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// levenshtein is the edit distance between a and b, using two rows.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// FormatNoMatch renders a no-match message with optional suggestions.
func FormatNoMatch(query string, suggestions []string) string {
	var sb strings.Builder
	sb.WriteString("no session matches '")
	sb.WriteString(query)
	sb.WriteString("'")
	if len(suggestions) > 0 {
		sb.WriteString("; did you mean: ")
		sb.WriteString(strings.Join(suggestions, ", "))
	}
	return sb.String()
}
