package enrich

import (
	"strings"
	"unicode"
)

// splitPages splits text into pages of at most maxLen runes, preferring
// sentence boundaries and carrying overlap runes from the end of each page
// into the next. A single sentence longer than maxLen is hard-wrapped.
func splitPages(text string, maxLen, overlap int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaximumPageLength
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxLen {
		overlap = maxLen / 2
	}

	var pages []string
	var cur strings.Builder
	curLen := 0

	flush := func() string {
		page := strings.TrimSpace(cur.String())
		if page != "" {
			pages = append(pages, page)
		}
		cur.Reset()
		curLen = 0
		return page
	}

	appendPart := func(part string, partLen int) {
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(part)
		curLen += partLen
	}

	for _, sentence := range splitSentences(text) {
		for _, part := range hardWrap(sentence, maxLen, overlap) {
			partLen := runeLen(part)
			if curLen > 0 && curLen+1+partLen > maxLen {
				page := flush()
				// Seed the next page with the previous tail only when
				// both still fit: overlap counts against the page budget.
				if overlap > 0 && page != "" {
					tail := tailRunes(page, overlap)
					tailLen := runeLen(tail)
					if tailLen+1+partLen <= maxLen {
						cur.WriteString(tail)
						curLen = tailLen
					}
				}
			}
			appendPart(part, partLen)
		}
	}
	flush()
	return pages
}

// splitSentences splits text at sentence terminators followed by
// whitespace, and at line breaks. Terminators stay with their sentence.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if !isSentenceEnd(r) {
			continue
		}
		if r != '\n' && i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}

// hardWrap slices a single oversized sentence into maxLen-rune windows
// advancing by maxLen-overlap. Sentences within the limit pass through.
func hardWrap(s string, maxLen, overlap int) []string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return []string{s}
	}
	step := maxLen - overlap
	if step <= 0 {
		step = maxLen
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + maxLen
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[start:end])))
		if end == len(runes) {
			break
		}
	}
	return out
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
