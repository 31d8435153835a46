package docparse

import (
	"reflect"
	"testing"
)

func TestParseFrontmatter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantFM   map[string]any
		wantBody string
		wantErr  bool
	}{
		{
			name:     "frontmatter and body",
			input:    "---\ntitle: Hello\ndoc_type: doc\n---\n# Hello\n\nworld",
			wantFM:   map[string]any{"title": "Hello", "doc_type": "doc"},
			wantBody: "# Hello\n\nworld",
		},
		{
			name:     "no frontmatter",
			input:    "# Just a document\n\nbody text",
			wantFM:   nil,
			wantBody: "# Just a document\n\nbody text",
		},
		{
			name:     "unclosed frontmatter reverts to body",
			input:    "---\ntitle: Hello\n# Heading",
			wantFM:   nil,
			wantBody: "---\ntitle: Hello\n# Heading",
		},
		{
			name:     "empty input",
			input:    "",
			wantFM:   nil,
			wantBody: "",
		},
		{
			name:     "nested frontmatter values",
			input:    "---\ntitle: X\nmeta:\n  owner: docs-team\n  tags:\n    - a\n    - b\n---\nbody",
			wantFM:   map[string]any{"title": "X", "meta": map[string]any{"owner": "docs-team", "tags": []any{"a", "b"}}},
			wantBody: "body",
		},
		{
			name:    "invalid yaml",
			input:   "---\ntitle: [unclosed\n---\nbody",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if doc.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", doc.Body, tt.wantBody)
			}
			if tt.wantFM == nil {
				if len(doc.Frontmatter) != 0 {
					t.Errorf("Frontmatter = %v, want empty", doc.Frontmatter)
				}
				return
			}
			if !reflect.DeepEqual(doc.Frontmatter, tt.wantFM) {
				t.Errorf("Frontmatter = %v, want %v", doc.Frontmatter, tt.wantFM)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	fm := map[string]any{
		"title":           "Round Trip",
		"doc_type":        "spec",
		"promotion_level": "important",
	}
	body := "# Round Trip\n\nSome body text.\n\n- a list\n- of items"

	rendered, err := Render(fm, body)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	doc, err := Parse(rendered)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !reflect.DeepEqual(doc.Frontmatter, fm) {
		t.Errorf("frontmatter round trip: got %v, want %v", doc.Frontmatter, fm)
	}
	if doc.Body != body {
		t.Errorf("body round trip: got %q, want %q", doc.Body, body)
	}
}

func TestRenderWithoutFrontmatter(t *testing.T) {
	out, err := Render(nil, "plain body")
	if err != nil {
		t.Fatal(err)
	}
	if out != "plain body" {
		t.Errorf("Render(nil) = %q", out)
	}
}

func TestExtractHeaders(t *testing.T) {
	input := "---\ntitle: X\n---\n# One\n\ntext\n\n## Two\n\n```go\n# not a header\n```\n\n### Three"
	doc, err := Parse(input)
	if err != nil {
		t.Fatal(err)
	}

	want := []Header{
		{Level: 1, Text: "One", Line: 4},
		{Level: 2, Text: "Two", Line: 8},
		{Level: 3, Text: "Three", Line: 14},
	}
	if !reflect.DeepEqual(doc.Headers, want) {
		t.Errorf("Headers = %+v, want %+v", doc.Headers, want)
	}
}

func TestExtractLinks(t *testing.T) {
	input := "See [guide](docs/guide.md) and [api](https://example.com/api) " +
		"plus [mail](mailto:x@y.z) and [anchor](#section) and [rel](../other.md \"Other\")."

	doc, err := Parse(input)
	if err != nil {
		t.Fatal(err)
	}

	if len(doc.Links) != 2 {
		t.Fatalf("Links = %+v, want 2 relative links", doc.Links)
	}
	if doc.Links[0].URL != "docs/guide.md" || doc.Links[0].Text != "guide" {
		t.Errorf("first link = %+v", doc.Links[0])
	}
	if doc.Links[1].URL != "../other.md" {
		t.Errorf("titled link URL = %q, want ../other.md", doc.Links[1].URL)
	}
	if doc.Links[0].StartLine != 1 || doc.Links[0].EndLine != 1 {
		t.Errorf("link lines = %d..%d, want 1..1", doc.Links[0].StartLine, doc.Links[0].EndLine)
	}
}

func TestExtractCodeBlocks(t *testing.T) {
	input := "intro\n\n```go\nfunc main() {}\n```\n\n```\nplain\n```"
	doc, err := Parse(input)
	if err != nil {
		t.Fatal(err)
	}

	if len(doc.CodeBlocks) != 2 {
		t.Fatalf("CodeBlocks = %+v, want 2", doc.CodeBlocks)
	}
	if doc.CodeBlocks[0].Language != "go" || doc.CodeBlocks[0].Content != "func main() {}" {
		t.Errorf("first block = %+v", doc.CodeBlocks[0])
	}
	if doc.CodeBlocks[1].Language != "" {
		t.Errorf("second block language = %q, want empty", doc.CodeBlocks[1].Language)
	}
}

func TestTitleResolution(t *testing.T) {
	tests := []struct {
		name  string
		input string
		path  string
		want  string
	}{
		{
			name:  "frontmatter wins",
			input: "---\ntitle: From Frontmatter\n---\n# From H1",
			path:  "docs/from-stem.md",
			want:  "From Frontmatter",
		},
		{
			name:  "h1 when no frontmatter title",
			input: "---\ndoc_type: doc\n---\n# From H1",
			path:  "docs/from-stem.md",
			want:  "From H1",
		},
		{
			name:  "stem fallback",
			input: "no headings here",
			path:  "docs/getting-started_guide.md",
			want:  "getting started guide",
		},
		{
			name:  "blank frontmatter title ignored",
			input: "---\ntitle: \"  \"\n---\nbody",
			path:  "docs/Fallback.md",
			want:  "Fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(tt.input)
			if err != nil {
				t.Fatal(err)
			}
			if got := doc.Title(tt.path); got != tt.want {
				t.Errorf("Title() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTitleFromStem(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"docs/api-reference.md", "api reference"},
		{"README.md", "README"},
		{"notes/My_Design-Doc.markdown", "My Design Doc"},
		{"no_ext", "no ext"},
	}

	for _, tt := range tests {
		if got := TitleFromStem(tt.path); got != tt.want {
			t.Errorf("TitleFromStem(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestDocType(t *testing.T) {
	doc, err := Parse("---\ndoc_type: adr\n---\nbody")
	if err != nil {
		t.Fatal(err)
	}
	if got := doc.DocType(); got != "adr" {
		t.Errorf("DocType() = %q, want adr", got)
	}

	doc, err = Parse("body only")
	if err != nil {
		t.Fatal(err)
	}
	if got := doc.DocType(); got != "" {
		t.Errorf("DocType() = %q, want empty", got)
	}
}
