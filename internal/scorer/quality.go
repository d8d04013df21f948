package scorer

import (
	"strings"

	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
)

// qualityTerm walks the parsed markdown AST (rather than regexing the raw
// text) to count words, paragraphs, and sentence-like breaks, then scores
// the document's shape against targets for a readable article: neither a
// stub nor an unbroken wall of text.
func qualityTerm(markdown []byte) float64 {
	words, paragraphs := walkMarkdown(markdown)
	if words == 0 {
		return -2
	}

	sentences := countSentenceBreaks(markdown)
	if sentences == 0 {
		sentences = 1
	}
	meanWordsPerSentence := float64(words) / float64(sentences)

	var score float64
	switch {
	case words < 50:
		score -= 1.5
	case words < 150:
		score -= 0.3
	default:
		score += 0.05
	}

	if meanWordsPerSentence < 4 || meanWordsPerSentence > 60 {
		score -= 0.5
	} else if meanWordsPerSentence >= 8 && meanWordsPerSentence <= 30 {
		score += 0.05
	}

	if paragraphs == 0 {
		score -= 0.2
	}

	if score > 0.1 {
		score = 0.1
	}
	if score < -2 {
		score = -2
	}
	return score
}

func walkMarkdown(source []byte) (words int, paragraphs int) {
	p := parser.New()
	doc := p.Parse(source)

	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		switch n := node.(type) {
		case *ast.Paragraph:
			paragraphs++
		case *ast.Text:
			words += len(strings.Fields(string(n.Literal)))
		case *ast.Code:
			words += len(strings.Fields(string(n.Literal)))
		}
		return ast.GoToNext
	})
	return words, paragraphs
}

func countSentenceBreaks(source []byte) int {
	count := 0
	for _, r := range string(source) {
		if r == '.' || r == '!' || r == '?' {
			count++
		}
	}
	return count
}
