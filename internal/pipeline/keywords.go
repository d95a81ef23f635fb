package pipeline

import (
	"sort"
	"strings"
	"unicode"

	"github.com/truth-forge/forge-cli/internal/model"
)

// Keyword extraction parameters: candidate phrases are 1-3 word n-grams
// with no stopword members, scored by frequency with a phrase-length
// boost, then greedily re-ranked with a diversity penalty so the top list
// is not ten variants of the same phrase.
const (
	minKeywordNgram  = 1
	maxKeywordNgram  = 3
	keywordDiversity = 0.5
	minKeywordChars  = 3
)

// ExtractKeywords returns the topN ranked keywords for a text. The result
// is deterministic: ties break lexicographically.
func ExtractKeywords(text string, topN int) []model.KeywordScore {
	words := keywordTokens(text)
	if len(words) == 0 || topN <= 0 {
		return nil
	}

	// Candidate phrase frequencies.
	freq := map[string]int{}
	ngramLen := map[string]int{}
	for n := minKeywordNgram; n <= maxKeywordNgram; n++ {
		for i := 0; i+n <= len(words); i++ {
			gram := words[i : i+n]
			if !validGram(gram) {
				continue
			}
			phrase := strings.Join(gram, " ")
			freq[phrase]++
			ngramLen[phrase] = n
		}
	}
	if len(freq) == 0 {
		return nil
	}

	type candidate struct {
		phrase string
		score  float64
	}
	candidates := make([]candidate, 0, len(freq))
	for phrase, f := range freq {
		candidates = append(candidates, candidate{
			phrase: phrase,
			score:  float64(f) * float64(ngramLen[phrase]),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].phrase < candidates[j].phrase
	})

	// Greedy diversity re-ranking: each pick is the highest adjusted
	// score, where candidates sharing a word with an already picked
	// phrase are penalized.
	var picked []model.KeywordScore
	pickedWords := map[string]bool{}
	used := make([]bool, len(candidates))
	for len(picked) < topN {
		bestIdx := -1
		bestScore := 0.0
		for i, c := range candidates {
			if used[i] {
				continue
			}
			adjusted := c.score
			if overlapsAny(c.phrase, pickedWords) {
				adjusted *= 1 - keywordDiversity
			}
			if bestIdx < 0 || adjusted > bestScore ||
				(adjusted == bestScore && c.phrase < candidates[bestIdx].phrase) {
				bestIdx = i
				bestScore = adjusted
			}
		}
		if bestIdx < 0 {
			break
		}
		used[bestIdx] = true
		picked = append(picked, model.KeywordScore{
			Keyword: candidates[bestIdx].phrase,
			Score:   bestScore,
		})
		for _, w := range strings.Fields(candidates[bestIdx].phrase) {
			pickedWords[w] = true
		}
	}
	return picked
}

// keywordTokens lowercases and splits on non-alphanumeric runs, keeping
// word order so n-grams stay contiguous. Stopwords survive here; the gram
// filter rejects them so they still break phrase boundaries.
func keywordTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func validGram(gram []string) bool {
	for _, w := range gram {
		if len(w) < minKeywordChars || stopwords[w] || isNumeric(w) {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(s) > 0
}

func overlapsAny(phrase string, words map[string]bool) bool {
	for _, w := range strings.Fields(phrase) {
		if words[w] {
			return true
		}
	}
	return false
}
