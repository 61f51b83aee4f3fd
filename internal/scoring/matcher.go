package scoring

import "github.com/pmezard/go-difflib/difflib"

// runeTokens splits s into one-rune tokens so it can be fed to the
// sequence matcher, which compares string slices.
func runeTokens(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// Ratio is the gestalt similarity 2*M/T of a and b compared rune by rune,
// where M is the number of matched runes and T the combined length. Two
// empty strings score 1.
func Ratio(a, b string) float64 {
	return difflib.NewMatcher(runeTokens(a), runeTokens(b)).Ratio()
}
