// Package ingestion turns parsed documents into tenant-scoped, embedded,
// searchable chunks: deterministic chunking plus the indexing orchestrator.
package ingestion

import (
	"regexp"
	"strings"

	"github.com/tomehq/tome/internal/tomeerr"
)

// ChunkerConfig controls how document bodies are split.
type ChunkerConfig struct {
	// ChunkSize is the soft maximum chunk length in characters.
	ChunkSize int
	// Overlap is the tail length carried into the next chunk. Must satisfy
	// 0 <= Overlap < ChunkSize.
	Overlap int
	// RespectParagraphs rounds the overlap tail to a paragraph boundary.
	RespectParagraphs bool
}

// Chunk is one contiguous piece of a document body. StartLine and EndLine
// are 1-based and relative to the body; consecutive chunks tile the body
// with no line gaps. Overlap appears in Content only, never in the ranges.
type Chunk struct {
	Index      int
	Content    string
	StartLine  int
	EndLine    int
	HeaderPath []string
	TokenCount int
}

// Chunker splits markdown bodies into overlapping, paragraph-aware chunks.
// Chunking is a pure function of (body, config): equal inputs yield
// byte-identical chunks.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a Chunker, applying defaults for zero values. An
// overlap outside [0, ChunkSize) is rejected.
func NewChunker(config ChunkerConfig) (*Chunker, error) {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1000
	}
	if config.Overlap < 0 || config.Overlap >= config.ChunkSize {
		return nil, tomeerr.Newf(tomeerr.KindInvalidArgument,
			"chunk overlap %d must satisfy 0 <= overlap < chunk size %d",
			config.Overlap, config.ChunkSize)
	}
	return &Chunker{config: config}, nil
}

// paragraph is a run of non-blank lines with its body-relative line range
// and the heading stack in effect at its first line.
type paragraph struct {
	content    string
	startLine  int
	endLine    int
	headerPath []string
}

var chunkHeaderPattern = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

// Chunk splits the body into chunks. Empty input produces zero chunks. A
// single paragraph larger than the chunk size is emitted as one oversized
// chunk rather than split mid-sentence.
func (c *Chunker) Chunk(body string) []Chunk {
	paragraphs, totalLines := splitParagraphs(body)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []paragraph
	seed := ""
	currentLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		parts := make([]string, 0, len(current)+1)
		if seed != "" {
			parts = append(parts, seed)
		}
		for _, p := range current {
			parts = append(parts, p.content)
		}
		content := strings.Join(parts, "\n\n")
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Content:    content,
			StartLine:  current[0].startLine,
			EndLine:    current[len(current)-1].endLine,
			HeaderPath: current[0].headerPath,
			TokenCount: estimateTokens(content),
		})
		current = nil
		seed = ""
		currentLen = 0
	}

	for _, p := range paragraphs {
		pLen := len(p.content)

		// Greedy packing: emit when the next paragraph would overflow. A
		// single oversized paragraph still lands in a chunk of its own.
		if currentLen > 0 && currentLen+2+pLen > c.config.ChunkSize {
			flush()
			if c.config.Overlap > 0 {
				seed = c.overlapSeed(chunks[len(chunks)-1].Content)
				currentLen = len(seed)
			}
		}

		if currentLen > 0 {
			currentLen += 2
		}
		currentLen += pLen
		current = append(current, p)
	}
	flush()

	normalizeRanges(chunks, totalLines)
	return chunks
}

// overlapSeed returns the tail of the previous chunk to repeat at the head
// of the next. With RespectParagraphs it is rounded to whole paragraphs,
// collected backwards until the overlap budget is met.
func (c *Chunker) overlapSeed(prevContent string) string {
	if c.config.Overlap <= 0 || prevContent == "" {
		return ""
	}
	if !c.config.RespectParagraphs {
		runes := []rune(prevContent)
		if len(runes) <= c.config.Overlap {
			return prevContent
		}
		return string(runes[len(runes)-c.config.Overlap:])
	}

	paras := strings.Split(prevContent, "\n\n")
	var seedParas []string
	seedLen := 0
	for i := len(paras) - 1; i >= 0 && seedLen < c.config.Overlap; i-- {
		seedParas = append([]string{paras[i]}, seedParas...)
		seedLen += len(paras[i])
	}
	// Never seed with the whole previous chunk; that would duplicate it.
	if len(seedParas) == len(paras) {
		seedParas = seedParas[1:]
	}
	return strings.Join(seedParas, "\n\n")
}

// splitParagraphs walks the body splitting on blank lines, tracking line
// ranges and the heading stack per paragraph.
func splitParagraphs(body string) ([]paragraph, int) {
	if strings.TrimSpace(body) == "" {
		return nil, 0
	}

	lines := strings.Split(body, "\n")
	var paragraphs []paragraph
	var headings []headingFrame

	var curLines []string
	var curPath []string
	curStart := 0

	flushPara := func(endLine int) {
		if len(curLines) == 0 {
			return
		}
		content := strings.Join(curLines, "\n")
		paragraphs = append(paragraphs, paragraph{
			content:    content,
			startLine:  curStart,
			endLine:    endLine,
			headerPath: curPath,
		})
		curLines = nil
	}

	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		lineNo := i + 1

		if strings.TrimSpace(line) == "" {
			flushPara(lineNo - 1)
			continue
		}

		// Headings take effect at their own line; one at the head of a
		// paragraph scopes that paragraph, one mid-paragraph scopes only
		// what follows.
		if m := chunkHeaderPattern.FindStringSubmatch(line); m != nil {
			headings = pushHeading(headings, len(m[1]), strings.TrimSpace(m[2]))
		}
		if len(curLines) == 0 {
			curStart = lineNo
			curPath = headingPath(headings)
		}
		curLines = append(curLines, line)
	}
	flushPara(len(lines))

	return paragraphs, len(lines)
}

type headingFrame struct {
	level int
	text  string
}

// pushHeading replaces any frame at the same or deeper level.
func pushHeading(stack []headingFrame, level int, text string) []headingFrame {
	var out []headingFrame
	for _, f := range stack {
		if f.level < level {
			out = append(out, f)
		}
	}
	return append(out, headingFrame{level: level, text: text})
}

func headingPath(stack []headingFrame) []string {
	if len(stack) == 0 {
		return nil
	}
	path := make([]string, len(stack))
	for i, f := range stack {
		path[i] = f.text
	}
	return path
}

// normalizeRanges stretches chunk ranges over the blank separator lines so
// the sequence tiles the body from line 1 to the last line with no gaps.
func normalizeRanges(chunks []Chunk, totalLines int) {
	if len(chunks) == 0 {
		return
	}
	chunks[0].StartLine = 1
	for i := 0; i < len(chunks)-1; i++ {
		chunks[i].EndLine = chunks[i+1].StartLine - 1
	}
	chunks[len(chunks)-1].EndLine = totalLines
}

// estimateTokens approximates token count from text.
// Word count is a reasonable proxy for the embedding models in use.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

// HeaderPathString renders a header path the way chunks store it.
func HeaderPathString(path []string) string {
	return strings.Join(path, " > ")
}
