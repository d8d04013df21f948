package scorer

import "strings"

// Term lists drawn from the Tübingen academic/civic vocabulary. Each list
// is checked independently; a hit in a list contributes at most once to
// textScore regardless of how many of its terms match.
var (
	cityTerms = []string{
		"tübingen", "tuebingen", "tubingen", "neckar", "hohentübingen",
	}

	universityTerms = []string{
		"universität tübingen", "university of tübingen", "uni-tuebingen",
		"uni tübingen", "eberhard karls", "ekut",
	}

	facultyTerms = []string{
		"fakultät", "faculty of", "fachbereich", "institut für",
		"department of", "lehrstuhl",
	}

	instituteTerms = []string{
		"max planck institute", "max-planck-institut", "mpi for",
		"hertie institute", "werner reichardt centre", "cyber valley",
		"tübingen ai center", "tübingen ai center for", "dzne",
	}

	englishFunctionWords = []string{
		"the", "and", "of", "to", "in", "is", "for", "on", "with",
		"that", "this", "are", "was", "from", "as", "by", "at", "an",
	}

	germanFunctionWords = []string{
		"der", "die", "das", "und", "für", "mit", "ist", "auf", "von",
		"den", "dem", "nicht", "eine", "ein", "sich", "auch", "wird",
	}
)

func matchAny(haystack string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			return true
		}
	}
	return false
}

// looksNonEnglish applies a cheap function-word count heuristic over a
// bounded sample: more German function words than English ones is treated
// as evidence the page is not in English.
func looksNonEnglish(text string) bool {
	sample := text
	if len(sample) > 1000 {
		sample = sample[:1000]
	}
	lower := strings.ToLower(sample)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != 'ä' && r != 'ö' && r != 'ü' && r != 'ß'
	})
	if len(tokens) == 0 {
		return false
	}
	var english, german int
	for _, tok := range tokens {
		for _, w := range englishFunctionWords {
			if tok == w {
				english++
				break
			}
		}
		for _, w := range germanFunctionWords {
			if tok == w {
				german++
				break
			}
		}
	}
	return german > english
}
