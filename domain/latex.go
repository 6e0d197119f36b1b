package domain

import "strings"

const latexPreviewLimit = 80

type latexDelimiter struct {
	open  string
	close string
}

// Display delimiters are probed before inline ones so "$$" is never
// consumed as two "$".
var latexDelimiters = []latexDelimiter{
	{open: "$$", close: "$$"},
	{open: `\[`, close: `\]`},
	{open: `\(`, close: `\)`},
	{open: "$", close: "$"},
}

// AnalyzeLatex audits content for LaTeX/math-markup correctness. Each
// delimited math block becomes one segment; a delimiter without a
// closer, or a block with unbalanced braces, counts as unmatched.
// Content carrying bare math (no delimiters) is audited as a single
// implicit segment so expressions like "E=mc^2" are still covered.
func AnalyzeLatex(content string) (LatexAuditSummary, []LatexSegment) {
	var (
		summary  LatexAuditSummary
		segments []LatexSegment
	)

	rest := content
	for len(rest) > 0 {
		idx, delim := nextLatexOpen(rest)
		if idx < 0 {
			break
		}
		tail := rest[idx+len(delim.open):]
		end := strings.Index(tail, delim.close)
		if end < 0 {
			segments = append(segments, LatexSegment{
				Matched: false,
				Reason:  "unterminated math delimiter",
				Preview: latexPreview(rest[idx:]),
			})
			summary.Unmatched++
			break
		}
		body := tail[:end]
		seg := LatexSegment{Preview: latexPreview(body)}
		if bracesBalanced(body) {
			seg.Matched = true
			seg.Reason = "delimited block closed"
			summary.Matched++
		} else {
			seg.Reason = "unbalanced braces"
			summary.Unmatched++
		}
		segments = append(segments, seg)
		rest = tail[end+len(delim.close):]
	}

	if len(segments) == 0 && looksLikeMath(content) {
		seg := LatexSegment{Preview: latexPreview(content)}
		if bracesBalanced(content) {
			seg.Matched = true
			seg.Reason = "bare expression"
			summary.Matched++
		} else {
			seg.Reason = "unbalanced braces"
			summary.Unmatched++
		}
		segments = append(segments, seg)
	}

	return summary, segments
}

// nextLatexOpen finds the earliest opening delimiter in s.
func nextLatexOpen(s string) (int, latexDelimiter) {
	best := -1
	var found latexDelimiter
	for _, d := range latexDelimiters {
		idx := strings.Index(s, d.open)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best || (idx == best && len(d.open) > len(found.open)) {
			best = idx
			found = d
		}
	}
	return best, found
}

func looksLikeMath(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	return strings.ContainsAny(trimmed, `=^_\`)
}

func bracesBalanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func latexPreview(s string) string {
	trimmed := strings.TrimSpace(s)
	runes := []rune(trimmed)
	if len(runes) <= latexPreviewLimit {
		return trimmed
	}
	return string(runes[:latexPreviewLimit]) + "..."
}
