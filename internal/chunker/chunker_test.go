package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkText_DegenerateInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "whitespace only", input: "   \n\t"},
		{name: "newlines only", input: "\n\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChunkText(tt.input, 1000, 200); len(got) != 0 {
				t.Errorf("ChunkText(%q) = %d chunks, want 0", tt.input, len(got))
			}
		})
	}
}

func TestChunkText_ShortInput(t *testing.T) {
	chunks := ChunkText("  hello   world  ", 1000, 200)
	if len(chunks) != 1 {
		t.Fatalf("ChunkText() = %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Content != "hello world" {
		t.Errorf("Content = %q, want normalized trimmed %q", c.Content, "hello world")
	}
	if c.Index != 0 || c.StartByte != 0 || c.EndByte != len(c.Content) {
		t.Errorf("offsets = index %d [%d,%d), want 0 [0,%d)", c.Index, c.StartByte, c.EndByte, len(c.Content))
	}
}

func TestChunkText_NoChunkExceedsSize(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200)
	const size, overlap = 500, 100

	chunks := ChunkText(text, size, overlap)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Content) > size {
			t.Errorf("chunk %d length %d exceeds chunkSize %d", c.Index, len(c.Content), size)
		}
		if c.Content != Normalize(text)[c.StartByte:c.EndByte] {
			t.Errorf("chunk %d content does not match its offsets", c.Index)
		}
	}
}

func TestChunkText_AdjacentChunksOverlap(t *testing.T) {
	text := strings.Repeat("Sentence one here. Sentence two follows. ", 100)
	chunks := ChunkText(text, 400, 80)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if cur.StartByte >= prev.EndByte {
			t.Errorf("chunks %d and %d do not overlap: prev end %d, cur start %d",
				i-1, i, prev.EndByte, cur.StartByte)
		}
		if cur.StartByte <= prev.StartByte {
			t.Errorf("chunk %d start %d not past chunk %d start %d (no forward progress)",
				i, cur.StartByte, i-1, prev.StartByte)
		}
	}
}

func TestChunkText_ReconstructsSource(t *testing.T) {
	text := strings.Repeat("Alpha beta gamma delta epsilon zeta. ", 120)
	cleaned := Normalize(text)
	chunks := ChunkText(text, 300, 60)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	// Concatenating each chunk's non-overlapping suffix reconstructs the
	// cleaned source exactly.
	var b strings.Builder
	prevEnd := 0
	for _, c := range chunks {
		if c.StartByte > prevEnd {
			t.Fatalf("gap between chunks at offset %d (chunk %d starts at %d)", prevEnd, c.Index, c.StartByte)
		}
		b.WriteString(cleaned[prevEnd:c.EndByte])
		prevEnd = c.EndByte
	}
	if b.String() != cleaned {
		t.Error("concatenated chunks (ignoring overlap regions) do not reconstruct the normalized source")
	}
	if last := chunks[len(chunks)-1]; last.EndByte != len(cleaned) {
		t.Errorf("last chunk ends at %d, want %d", last.EndByte, len(cleaned))
	}
}

func TestChunkText_ParagraphBoundaryPreferred(t *testing.T) {
	para1 := strings.Repeat("a", 320)
	para2 := strings.Repeat("b", 320)
	text := para1 + "\n\n" + para2

	chunks := ChunkText(text, 400, 50)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// The paragraph break at offset 320 is past the midpoint of the first
	// 400-byte window, so the first chunk must end right after it.
	if chunks[0].EndByte != len(para1)+2 {
		t.Errorf("first chunk ends at %d, want %d (after paragraph break)", chunks[0].EndByte, len(para1)+2)
	}
}

func TestChunkText_MultiByteTextStaysValidUTF8(t *testing.T) {
	// Boundary-free CJK text forces hard cuts at every window edge; no cut
	// may ever land inside a rune.
	text := strings.Repeat("世界和平", 500)
	cleaned := Normalize(text)

	chunks := ChunkText(text, 1000, 200)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if !utf8.ValidString(c.Content) {
			t.Errorf("chunk %d [%d,%d) contains invalid UTF-8", c.Index, c.StartByte, c.EndByte)
		}
		if c.Content != cleaned[c.StartByte:c.EndByte] {
			t.Errorf("chunk %d content does not match its offsets", c.Index)
		}
	}
	if last := chunks[len(chunks)-1]; last.EndByte != len(cleaned) {
		t.Errorf("last chunk ends at %d, want %d", last.EndByte, len(cleaned))
	}
}

func TestChunkText_CyrillicWithOverlapStaysValidUTF8(t *testing.T) {
	// 2-byte runes with an overlap that lands mid-rune without alignment.
	text := strings.Repeat("привет", 300)
	chunks := ChunkText(text, 501, 99)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c.Content) {
			t.Errorf("chunk %d contains invalid UTF-8", c.Index)
		}
		if i > 0 && c.StartByte <= chunks[i-1].StartByte {
			t.Fatalf("chunk %d start %d not past chunk %d start %d", i, c.StartByte, i-1, chunks[i-1].StartByte)
		}
	}
}

func TestChunkText_SizeSmallerThanRune(t *testing.T) {
	// chunkSize below the rune width still makes forward progress, one whole
	// rune per chunk.
	chunks := ChunkText("世界和", 2, 0)
	if len(chunks) != 3 {
		t.Fatalf("ChunkText() = %d chunks, want 3", len(chunks))
	}
	for _, c := range chunks {
		if !utf8.ValidString(c.Content) || utf8.RuneCountInString(c.Content) != 1 {
			t.Errorf("chunk %d = %q, want exactly one valid rune", c.Index, c.Content)
		}
	}
}

func TestChunkText_IndicesSequential(t *testing.T) {
	text := strings.Repeat("word ", 800)
	chunks := ChunkText(text, 250, 50)
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk at position %d has Index %d", i, c.Index)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "crlf to lf", input: "a\r\nb", want: "a\nb"},
		{name: "bare cr to lf", input: "a\rb", want: "a\nb"},
		{name: "tab runs collapsed", input: "a\t\t  b", want: "a b"},
		{name: "preserves paragraph breaks", input: "a\n\nb", want: "a\n\nb"},
		{name: "trims", input: "  a  ", want: "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		mime string
		want string
	}{
		{name: "plain text", data: []byte("hello"), mime: "text/plain", want: "hello"},
		{name: "text with charset param", data: []byte("hi"), mime: "text/plain; charset=utf-8", want: "hi"},
		{name: "json", data: []byte(`{"a":1}`), mime: "application/json", want: `{"a":1}`},
		{name: "unknown type decoded as text", data: []byte("raw"), mime: "application/octet-stream", want: "raw"},
		{
			name: "pdf strips non-printable",
			data: []byte("Hello\x00\x01 PDF\x80 text\n"),
			mime: "application/pdf",
			want: "Hello PDF text\n",
		},
		{
			name: "docx extracts text runs",
			data: []byte(`<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve">world</w:t></w:r></w:p>`),
			mime: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			want: "Hello world",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText(tt.data, tt.mime); got != tt.want {
				t.Errorf("ExtractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractText_InvalidUTF8NeverPanics(t *testing.T) {
	data := []byte{0xff, 0xfe, 0x80, 'o', 'k'}
	got := ExtractText(data, "text/plain")
	if !strings.Contains(got, "ok") {
		t.Errorf("ExtractText(invalid utf8) = %q, want to retain valid bytes", got)
	}
}
