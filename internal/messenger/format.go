// ABOUTME: Converts agent markdown replies into Messenger-friendly plain text.
// ABOUTME: Walks the goldmark AST and splits long replies into Send API sized chunks.

package messenger

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MaxTextRunes is the Send API limit for a single text message.
const MaxTextRunes = 2000

var markdown = goldmark.New()

// FormatText flattens markdown into plain text. Messenger renders no markup,
// so emphasis markers are dropped, list items get "•" or "N." prefixes, and
// links keep their URL next to the label.
func FormatText(src string) string {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var blocks []string
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if b := renderBlock(n, source, ""); b != "" {
			blocks = append(blocks, b)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func renderBlock(n ast.Node, source []byte, indent string) string {
	switch v := n.(type) {
	case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
		return indentLines(strings.TrimSpace(renderInline(v, source)), indent)
	case *ast.List:
		return strings.Join(listLines(v, source, indent), "\n")
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return indentLines(strings.TrimRight(rawLines(v, source), "\n"), indent)
	case *ast.Blockquote:
		var parts []string
		for c := v.FirstChild(); c != nil; c = c.NextSibling() {
			if b := renderBlock(c, source, indent); b != "" {
				parts = append(parts, b)
			}
		}
		return strings.Join(parts, "\n")
	case *ast.HTMLBlock:
		return indentLines(strings.TrimRight(rawLines(v, source), "\n"), indent)
	}
	// thematic breaks and anything unknown carry no text
	return ""
}

func listLines(list *ast.List, source []byte, indent string) []string {
	var lines []string
	num := list.Start
	if num == 0 {
		num = 1
	}

	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "• "
		if list.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}

		first := true
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if sub, ok := c.(*ast.List); ok {
				lines = append(lines, listLines(sub, source, indent+"  ")...)
				continue
			}
			body := renderBlock(c, source, "")
			if body == "" {
				continue
			}
			prefix := indent + strings.Repeat(" ", len(marker))
			if first {
				prefix = indent + marker
				first = false
			}
			lines = append(lines, prefix+strings.ReplaceAll(body, "\n", "\n"+indent+"  "))
		}
		if first {
			lines = append(lines, indent+strings.TrimSpace(marker))
		}
	}
	return lines
}

func renderInline(n ast.Node, source []byte) string {
	var sb strings.Builder
	writeInline(&sb, n, source)
	return sb.String()
}

func writeInline(sb *strings.Builder, n ast.Node, source []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			sb.Write(v.Segment.Value(source))
			if v.SoftLineBreak() || v.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.String:
			sb.Write(v.Value)
		case *ast.Link:
			label := strings.TrimSpace(renderInline(v, source))
			dest := string(v.Destination)
			if label == "" || label == dest {
				sb.WriteString(dest)
			} else {
				fmt.Fprintf(sb, "%s (%s)", label, dest)
			}
		case *ast.AutoLink:
			sb.Write(v.URL(source))
		case *ast.RawHTML:
			// inline tags are not shown to the user
		default:
			// emphasis, code spans, image alt text
			writeInline(sb, c, source)
		}
	}
}

func rawLines(n ast.Node, source []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return sb.String()
}

func indentLines(s, indent string) string {
	if indent == "" || s == "" {
		return s
	}
	return indent + strings.ReplaceAll(s, "\n", "\n"+indent)
}

// SplitText breaks s into chunks of at most limit runes, preferring to cut
// at a newline and then at a space in the second half of each chunk.
func SplitText(s string, limit int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var chunks []string
	runes := []rune(s)
	for len(runes) > limit {
		cut := breakPoint(runes[:limit])
		chunk := strings.TrimSpace(string(runes[:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func breakPoint(window []rune) int {
	half := len(window) / 2
	for _, sep := range []rune{'\n', ' '} {
		for i := len(window) - 1; i >= half; i-- {
			if window[i] == sep {
				return i + 1
			}
		}
	}
	return len(window)
}
