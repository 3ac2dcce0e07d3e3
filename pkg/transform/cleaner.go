package transform

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

var (
	whitespacePattern = regexp.MustCompile(`\s+`)

	// Markdown fences and Jira wiki {code} / {code:java} macros.
	codeBlockPatterns = []*regexp.Regexp{
		regexp.MustCompile("```[\\s\\S]*?```"),
		regexp.MustCompile(`\{code[:\w]*\}[\s\S]*?\{code\}`),
	}
)

// Cleaner normalises Jira text fields.
type Cleaner struct {
	// RemoveHTML strips markup before normalising whitespace.
	RemoveHTML bool
}

// Clean strips HTML (when enabled), collapses whitespace and truncates to
// maxLength runes, appending "..." when cut. maxLength <= 0 disables truncation.
func (c Cleaner) Clean(text string, maxLength int) string {
	if text == "" {
		return ""
	}

	if c.RemoveHTML {
		text = StripHTML(text)
	}
	text = norm.NFC.String(text)
	text = strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))

	return Truncate(text, maxLength)
}

// StripHTML replaces every tag with a space and unescapes entities.
// Text that is not HTML passes through unchanged apart from entity decoding.
func StripHTML(text string) string {
	z := html.NewTokenizer(strings.NewReader(text))

	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		default:
			b.WriteByte(' ')
		}
	}
}

// Truncate cuts text to maxLength runes and marks the cut with "...".
func Truncate(text string, maxLength int) string {
	if maxLength <= 0 || utf8.RuneCountInString(text) <= maxLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxLength]) + "..."
}

// ParseADF flattens an Atlassian Document Format node into plain text.
// Code blocks are kept as fenced blocks so ExtractCodeBlocks still finds them.
func (c Cleaner) ParseADF(raw json.RawMessage, maxLength int) string {
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return ""
	}
	return c.Clean(adfText(node), maxLength)
}

func adfText(node any) string {
	switch n := node.(type) {
	case string:
		return n
	case []any:
		parts := make([]string, 0, len(n))
		for _, child := range n {
			parts = append(parts, adfText(child))
		}
		return strings.Join(parts, " ")
	case map[string]any:
		typ, _ := n["type"].(string)
		switch typ {
		case "text":
			s, _ := n["text"].(string)
			return s
		case "codeBlock":
			return "\n```\n" + adfText(n["content"]) + "\n```\n"
		case "paragraph":
			return adfText(n["content"]) + "\n"
		}
		if content, ok := n["content"]; ok {
			return adfText(content)
		}
	}
	return ""
}

// ExtractCodeBlocks returns fenced and {code} blocks in order of pattern.
func ExtractCodeBlocks(text string) []string {
	var blocks []string
	for _, p := range codeBlockPatterns {
		blocks = append(blocks, p.FindAllString(text, -1)...)
	}
	return blocks
}
