package ingestion

import (
	"reflect"
	"strings"
	"testing"

	"github.com/tomehq/tome/internal/tomeerr"
)

const (
	paraA = "alpha beta gamma delta"
	paraB = "epsilon zeta eta theta"
	paraC = "iota kappa lambda mu nu"
)

func newTestChunker(t *testing.T, config ChunkerConfig) *Chunker {
	t.Helper()
	c, err := NewChunker(config)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	return c
}

func TestNewChunkerRejectsInvalidOverlap(t *testing.T) {
	for _, overlap := range []int{-1, 100, 150} {
		_, err := NewChunker(ChunkerConfig{ChunkSize: 100, Overlap: overlap})
		if err == nil {
			t.Errorf("NewChunker with overlap %d: expected error", overlap)
			continue
		}
		if tomeerr.KindOf(err) != tomeerr.KindInvalidArgument {
			t.Errorf("NewChunker with overlap %d: kind = %v, want invalid argument", overlap, tomeerr.KindOf(err))
		}
	}
}

func TestChunkEmptyInput(t *testing.T) {
	c := newTestChunker(t, ChunkerConfig{ChunkSize: 100})

	for _, input := range []string{"", "   ", "\n\n\n"} {
		if got := c.Chunk(input); got != nil {
			t.Errorf("Chunk(%q) = %v, want nil", input, got)
		}
	}
}

func TestChunkSingleChunk(t *testing.T) {
	c := newTestChunker(t, ChunkerConfig{ChunkSize: 1000, Overlap: 200, RespectParagraphs: true})
	body := "# Hello\n\nworld"

	chunks := c.Chunk(body)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	got := chunks[0]
	if got.Content != "# Hello\n\nworld" {
		t.Errorf("Content = %q", got.Content)
	}
	if got.StartLine != 1 || got.EndLine != 3 {
		t.Errorf("range = %d..%d, want 1..3", got.StartLine, got.EndLine)
	}
	if !reflect.DeepEqual(got.HeaderPath, []string{"Hello"}) {
		t.Errorf("HeaderPath = %v", got.HeaderPath)
	}
}

func TestChunkGreedyPacking(t *testing.T) {
	body := paraA + "\n\n" + paraB + "\n\n" + paraC

	tests := []struct {
		name       string
		config     ChunkerConfig
		wantChunks []string
	}{
		{
			name:   "everything fits in one chunk",
			config: ChunkerConfig{ChunkSize: 100},
			wantChunks: []string{
				paraA + "\n\n" + paraB + "\n\n" + paraC,
			},
		},
		{
			name:   "one paragraph per chunk",
			config: ChunkerConfig{ChunkSize: 30},
			wantChunks: []string{
				paraA, paraB, paraC,
			},
		},
		{
			name:   "two then one",
			config: ChunkerConfig{ChunkSize: 50},
			wantChunks: []string{
				paraA + "\n\n" + paraB,
				paraC,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChunker(t, tt.config)
			chunks := c.Chunk(body)

			if len(chunks) != len(tt.wantChunks) {
				t.Fatalf("got %d chunks, want %d: %+v", len(chunks), len(tt.wantChunks), chunks)
			}
			for i, want := range tt.wantChunks {
				if chunks[i].Content != want {
					t.Errorf("chunk %d = %q, want %q", i, chunks[i].Content, want)
				}
				if chunks[i].Index != i {
					t.Errorf("chunk %d has index %d", i, chunks[i].Index)
				}
			}
		})
	}
}

func TestChunkParagraphOverlap(t *testing.T) {
	body := paraA + "\n\n" + paraB + "\n\n" + paraC
	c := newTestChunker(t, ChunkerConfig{ChunkSize: 50, Overlap: 10, RespectParagraphs: true})

	chunks := c.Chunk(body)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}

	// The second chunk repeats the last paragraph of the first.
	want := paraB + "\n\n" + paraC
	if chunks[1].Content != want {
		t.Errorf("chunk 1 = %q, want %q", chunks[1].Content, want)
	}
}

func TestChunkCharacterOverlap(t *testing.T) {
	body := paraA + "\n\n" + paraB + "\n\n" + paraC
	c := newTestChunker(t, ChunkerConfig{ChunkSize: 50, Overlap: 10, RespectParagraphs: false})

	chunks := c.Chunk(body)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}

	prev := []rune(chunks[0].Content)
	tail := string(prev[len(prev)-10:])
	if !strings.HasPrefix(chunks[1].Content, tail) {
		t.Errorf("chunk 1 %q does not start with previous tail %q", chunks[1].Content, tail)
	}
}

func TestChunkOversizedParagraph(t *testing.T) {
	long := strings.Repeat("word ", 60) + "end"
	c := newTestChunker(t, ChunkerConfig{ChunkSize: 50})

	chunks := c.Chunk(long)
	if len(chunks) != 1 {
		t.Fatalf("oversized paragraph split into %d chunks, want 1", len(chunks))
	}
	if chunks[0].Content != long {
		t.Error("oversized paragraph must be emitted whole")
	}
}

func TestChunkLineCoverage(t *testing.T) {
	body := paraA + "\n\n" + paraB + "\n\n" + paraC + "\n\n" + paraA
	c := newTestChunker(t, ChunkerConfig{ChunkSize: 30, Overlap: 5, RespectParagraphs: true})

	chunks := c.Chunk(body)
	if len(chunks) < 2 {
		t.Fatalf("need at least 2 chunks for coverage check, got %d", len(chunks))
	}

	totalLines := len(strings.Split(body, "\n"))
	if chunks[0].StartLine != 1 {
		t.Errorf("first chunk starts at line %d, want 1", chunks[0].StartLine)
	}
	if last := chunks[len(chunks)-1]; last.EndLine != totalLines {
		t.Errorf("last chunk ends at line %d, want %d", last.EndLine, totalLines)
	}
	for i := 0; i < len(chunks)-1; i++ {
		if chunks[i].EndLine+1 != chunks[i+1].StartLine {
			t.Errorf("gap between chunk %d (ends %d) and chunk %d (starts %d)",
				i, chunks[i].EndLine, i+1, chunks[i+1].StartLine)
		}
	}
	seen := map[int]bool{}
	for _, ch := range chunks {
		if seen[ch.Index] {
			t.Errorf("duplicate chunk index %d", ch.Index)
		}
		seen[ch.Index] = true
	}
}

func TestChunkHeaderPath(t *testing.T) {
	body := "# Guide\n\nintro para\n\n## Install\n\nstep one\n\n### Linux\n\napt instructions\n\n## Use\n\nrun it"
	c := newTestChunker(t, ChunkerConfig{ChunkSize: 5})

	chunks := c.Chunk(body)

	wantPaths := [][]string{
		{"Guide"},
		{"Guide"},
		{"Guide", "Install"},
		{"Guide", "Install"},
		{"Guide", "Install", "Linux"},
		{"Guide", "Install", "Linux"},
		{"Guide", "Use"},
		{"Guide", "Use"},
	}
	if len(chunks) != len(wantPaths) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(wantPaths))
	}
	for i, want := range wantPaths {
		if !reflect.DeepEqual(chunks[i].HeaderPath, want) {
			t.Errorf("chunk %d header path = %v, want %v", i, chunks[i].HeaderPath, want)
		}
	}
}

func TestChunkDeterminism(t *testing.T) {
	body := paraA + "\n\n# Section\n\n" + paraB + "\n\n" + paraC
	c := newTestChunker(t, ChunkerConfig{ChunkSize: 40, Overlap: 10, RespectParagraphs: true})

	first := c.Chunk(body)
	second := c.Chunk(body)

	if !reflect.DeepEqual(first, second) {
		t.Error("chunking must be deterministic for equal inputs")
	}
}

func TestHeaderPathString(t *testing.T) {
	if got := HeaderPathString([]string{"Guide", "Install"}); got != "Guide > Install" {
		t.Errorf("HeaderPathString = %q", got)
	}
	if got := HeaderPathString(nil); got != "" {
		t.Errorf("HeaderPathString(nil) = %q", got)
	}
}
