// Package docparse splits markdown documents into YAML frontmatter and body
// and extracts the structural elements the indexer and the link graph consume:
// headers, relative links, and fenced code blocks.
package docparse

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tomehq/tome/internal/tomeerr"
)

// Document is the parsed form of a markdown file. Line numbers are 1-based
// positions in the original input, including the frontmatter block.
type Document struct {
	Frontmatter   map[string]any
	Body          string
	BodyStartLine int
	Headers       []Header
	Links         []Link
	CodeBlocks    []CodeBlock
}

// Header is a markdown heading in document order.
type Header struct {
	Level int
	Text  string
	Line  int
}

// Link is a relative markdown link. Inline links occupy a single line, so
// StartLine and EndLine coincide; both are kept for consumers that anchor
// ranges.
type Link struct {
	Text      string
	URL       string
	StartLine int
	EndLine   int
}

// CodeBlock is a fenced code block with its info-string language, if any.
type CodeBlock struct {
	Language string
	Content  string
}

const frontmatterDelimiter = "---"

var (
	headerPattern = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	linkPattern   = regexp.MustCompile(`\[([^\]]*)\]\(([^)]+)\)`)
	fencePattern  = regexp.MustCompile("^```(\\S*)\\s*$")
)

// Parse splits the input into frontmatter and body and extracts structure.
// Missing frontmatter is not an error; an unclosed frontmatter block reverts
// to "no frontmatter" with the full input as body. A YAML failure inside a
// properly fenced block is returned as an error carrying yaml's line info.
func Parse(input string) (*Document, error) {
	doc := &Document{
		Body:          input,
		BodyStartLine: 1,
	}

	lines := splitLines(input)

	if len(lines) > 0 && strings.TrimRight(lines[0], "\r") == frontmatterDelimiter {
		closing := -1
		for i := 1; i < len(lines); i++ {
			if strings.TrimRight(lines[i], "\r") == frontmatterDelimiter {
				closing = i
				break
			}
		}
		if closing > 0 {
			raw := strings.Join(lines[1:closing], "\n")
			fm := map[string]any{}
			if err := yaml.Unmarshal([]byte(raw), &fm); err != nil {
				return nil, tomeerr.Wrap(tomeerr.KindParseFailed, err, "failed to parse frontmatter")
			}
			doc.Frontmatter = fm
			doc.Body = strings.Join(lines[closing+1:], "\n")
			doc.BodyStartLine = closing + 2
		}
	}

	doc.extractStructure()
	return doc, nil
}

// extractStructure walks the body collecting headers, links, and code blocks.
// Fenced code is opaque: headers and links inside a fence are not extracted.
func (d *Document) extractStructure() {
	lines := splitLines(d.Body)

	inCode := false
	codeLang := ""
	var codeLines []string

	for i, rawLine := range lines {
		line := strings.TrimRight(rawLine, "\r")
		lineNo := d.BodyStartLine + i

		if m := fencePattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			if inCode {
				d.CodeBlocks = append(d.CodeBlocks, CodeBlock{
					Language: codeLang,
					Content:  strings.Join(codeLines, "\n"),
				})
				inCode = false
				codeLang = ""
				codeLines = nil
			} else {
				inCode = true
				codeLang = m[1]
			}
			continue
		}

		if inCode {
			codeLines = append(codeLines, line)
			continue
		}

		if m := headerPattern.FindStringSubmatch(line); m != nil {
			d.Headers = append(d.Headers, Header{
				Level: len(m[1]),
				Text:  strings.TrimSpace(m[2]),
				Line:  lineNo,
			})
		}

		for _, m := range linkPattern.FindAllStringSubmatch(line, -1) {
			url := cleanLinkURL(m[2])
			if skipLinkURL(url) {
				continue
			}
			d.Links = append(d.Links, Link{
				Text:      m[1],
				URL:       url,
				StartLine: lineNo,
				EndLine:   lineNo,
			})
		}
	}

	// An unclosed fence swallows the rest of the document as code.
	if inCode {
		d.CodeBlocks = append(d.CodeBlocks, CodeBlock{
			Language: codeLang,
			Content:  strings.Join(codeLines, "\n"),
		})
	}
}

// cleanLinkURL drops an optional markdown link title: [t](url "title").
func cleanLinkURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexAny(raw, " \t"); idx >= 0 {
		raw = raw[:idx]
	}
	return raw
}

// skipLinkURL filters out absolute schemes and in-page anchors; only
// repository-relative links participate in the link graph.
func skipLinkURL(url string) bool {
	if url == "" || strings.HasPrefix(url, "#") {
		return true
	}
	lower := strings.ToLower(url)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}

// Render produces a markdown file from frontmatter and body such that Parse
// inverts it. Nil or empty frontmatter renders the body alone.
func Render(frontmatter map[string]any, body string) (string, error) {
	if len(frontmatter) == 0 {
		return body, nil
	}
	raw, err := yaml.Marshal(frontmatter)
	if err != nil {
		return "", fmt.Errorf("failed to render frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString(frontmatterDelimiter)
	b.WriteString("\n")
	b.Write(raw)
	b.WriteString(frontmatterDelimiter)
	b.WriteString("\n")
	b.WriteString(body)
	return b.String(), nil
}

// Title resolves the document title: frontmatter `title`, then the first H1,
// then the file stem.
func (d *Document) Title(filePath string) string {
	if raw, ok := d.Frontmatter["title"]; ok {
		if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	for _, h := range d.Headers {
		if h.Level == 1 {
			return h.Text
		}
	}
	return TitleFromStem(filePath)
}

// TitleFromStem derives a title from a file name: the extension is dropped
// and `-`/`_` separators become spaces. Case is preserved.
func TitleFromStem(filePath string) string {
	stem := filepath.Base(filePath)
	if ext := filepath.Ext(stem); ext != "" {
		stem = strings.TrimSuffix(stem, ext)
	}
	stem = strings.ReplaceAll(stem, "-", " ")
	stem = strings.ReplaceAll(stem, "_", " ")
	return strings.TrimSpace(stem)
}

// DocType returns the declared doc_type, or empty when absent.
func (d *Document) DocType() string {
	if raw, ok := d.Frontmatter["doc_type"]; ok {
		if s, ok := raw.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
