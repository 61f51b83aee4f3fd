package scoring

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// WordStatus classifies one aligned word.
type WordStatus string

const (
	WordCorrect       WordStatus = "correct"
	WordMispronounced WordStatus = "mispronounced"
	WordMissed        WordStatus = "missed"
	WordExtra         WordStatus = "extra"
)

// WordFeedback is one entry of a word alignment. Expected is empty for extra
// words; Heard is empty for missed words.
type WordFeedback struct {
	Expected string     `json:"expected,omitempty"`
	Heard    string     `json:"heard,omitempty"`
	Status   WordStatus `json:"status"`
}

// AlignWords aligns the words of expected and spoken (both normalized first)
// and labels each position. Replaced spans are paired word by word; leftover
// words of an uneven replace become missed or extra.
func AlignWords(expected, spoken string) []WordFeedback {
	exp := strings.Fields(Normalize(expected))
	spk := strings.Fields(Normalize(spoken))
	out := make([]WordFeedback, 0, max(len(exp), len(spk)))

	for _, op := range difflib.NewMatcher(exp, spk).GetOpCodes() {
		switch op.Tag {
		case 'e':
			for i := op.I1; i < op.I2; i++ {
				out = append(out, WordFeedback{Expected: exp[i], Heard: exp[i], Status: WordCorrect})
			}
		case 'd':
			for i := op.I1; i < op.I2; i++ {
				out = append(out, WordFeedback{Expected: exp[i], Status: WordMissed})
			}
		case 'i':
			for j := op.J1; j < op.J2; j++ {
				out = append(out, WordFeedback{Heard: spk[j], Status: WordExtra})
			}
		case 'r':
			n, m := op.I2-op.I1, op.J2-op.J1
			for k := range max(n, m) {
				switch {
				case k < n && k < m:
					out = append(out, WordFeedback{Expected: exp[op.I1+k], Heard: spk[op.J1+k], Status: WordMispronounced})
				case k < n:
					out = append(out, WordFeedback{Expected: exp[op.I1+k], Status: WordMissed})
				default:
					out = append(out, WordFeedback{Heard: spk[op.J1+k], Status: WordExtra})
				}
			}
		}
	}
	return out
}
