package cracker

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// PlainTextCracker handles any text content nothing more specific claimed.
type PlainTextCracker struct{}

func (*PlainTextCracker) CanHandle(contentType, ext string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		ext == ".txt" || ext == ".text" || ext == ".log"
}

func (*PlainTextCracker) Crack(data []byte, name, contentType string) (*CrackedDocument, error) {
	return &CrackedDocument{
		Content:  cleanText(data),
		Metadata: map[string]string{"type": "text"},
	}, nil
}

// cleanText strips a UTF-8 BOM and replaces invalid byte sequences.
func cleanText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	return strings.ToValidUTF8(string(data), "�")
}

// MarkdownCracker strips markdown syntax and lifts the first top-level
// heading into the title.
type MarkdownCracker struct{}

func (*MarkdownCracker) CanHandle(contentType, ext string) bool {
	return contentType == "text/markdown" ||
		ext == ".md" || ext == ".mdx" || ext == ".markdown"
}

var (
	mdTitle    = regexp.MustCompile(`(?m)^#[ \t]+(.+)$`)
	mdFence    = regexp.MustCompile("(?m)^```.*$")
	mdImage    = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdHeading  = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	mdQuote    = regexp.MustCompile(`(?m)^>[ \t]?`)
	mdEmphasis = regexp.MustCompile(`(\*\*|__)(.*?)(\*\*|__)`)
	mdItalic   = regexp.MustCompile(`(^|\s)[*_]([^*_\s][^*_]*)[*_]`)
	mdCode     = regexp.MustCompile("`([^`]*)`")
)

func (*MarkdownCracker) Crack(data []byte, name, contentType string) (*CrackedDocument, error) {
	text := cleanText(data)

	title := ""
	if m := mdTitle.FindStringSubmatch(text); m != nil {
		title = strings.TrimSpace(m[1])
	}

	out := mdFence.ReplaceAllString(text, "")
	out = mdImage.ReplaceAllString(out, "$1")
	out = mdLink.ReplaceAllString(out, "$1")
	out = mdHeading.ReplaceAllString(out, "")
	out = mdQuote.ReplaceAllString(out, "")
	out = mdEmphasis.ReplaceAllString(out, "$2")
	out = mdItalic.ReplaceAllString(out, "$1$2")
	out = mdCode.ReplaceAllString(out, "$1")

	return &CrackedDocument{
		Content:  strings.TrimSpace(out),
		Title:    title,
		Metadata: map[string]string{"type": "markdown"},
	}, nil
}

// HTMLCracker extracts visible text, the title element, and the document
// language attribute. Script, style, and noscript bodies are dropped.
type HTMLCracker struct{}

func (*HTMLCracker) CanHandle(contentType, ext string) bool {
	return contentType == "text/html" || ext == ".html" || ext == ".htm"
}

func (*HTMLCracker) Crack(data []byte, name, contentType string) (*CrackedDocument, error) {
	z := html.NewTokenizer(bytes.NewReader(data))

	var (
		text    strings.Builder
		title   strings.Builder
		lang    string
		inTitle bool
		skip    int
	)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break // EOF or a malformed tail; keep what was collected
		}
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "script", "style", "noscript":
				if tt == html.StartTagToken {
					skip++
				}
			case "title":
				inTitle = true
			case "html":
				for _, a := range tok.Attr {
					if a.Key == "lang" {
						lang = a.Val
					}
				}
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				text.WriteByte('\n')
			}
		case html.EndTagToken:
			tok := z.Token()
			switch tok.Data {
			case "script", "style", "noscript":
				if skip > 0 {
					skip--
				}
			case "title":
				inTitle = false
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if inTitle {
				title.Write(z.Text())
				continue
			}
			text.Write(z.Text())
		}
	}

	return &CrackedDocument{
		Content:  collapseWhitespace(text.String()),
		Title:    strings.TrimSpace(title.String()),
		Language: lang,
		Metadata: map[string]string{"type": "html"},
	}, nil
}

// collapseWhitespace trims each line to single spaces and drops blanks.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
