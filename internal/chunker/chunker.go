// Package chunker turns raw uploaded file bytes into overlapping,
// boundary-aware text chunks ready for embedding.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Chunk is a contiguous slice of a document's cleaned text.
// StartByte/EndByte are byte offsets [start, end) into the cleaned text.
type Chunk struct {
	Index     int
	Content   string
	StartByte int
	EndByte   int
}

// MIME types decoded directly as UTF-8 text.
const (
	mimeJSON = "application/json"
	mimeXML  = "application/xml"
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var (
	spaceRuns = regexp.MustCompile(`[ \t]+`)

	// DOCX text runs: the w:t elements inside document.xml.
	docxTextRun = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
)

// ExtractText produces plain text from raw file bytes according to the
// declared MIME type. It is best-effort and never fails: unknown types are
// decoded as UTF-8.
//
// The PDF and DOCX paths are placeholder extraction strategies — byte
// stripping and tag stripping, not real parsers. They recover readable text
// from simple documents and garbage from complex ones; swap in a real parser
// library before relying on them for production corpora.
func ExtractText(data []byte, mimeType string) string {
	mime := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	switch {
	case strings.HasPrefix(mime, "text/"), mime == mimeJSON, mime == mimeXML:
		return decodeUTF8(data)
	case mime == mimePDF:
		return extractPDF(data)
	case mime == mimeDOCX:
		return extractDOCX(data)
	default:
		return decodeUTF8(data)
	}
}

// decodeUTF8 interprets bytes as UTF-8, replacing invalid sequences.
func decodeUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

// extractPDF strips non-printable bytes, keeping printable ASCII and
// newlines. Placeholder strategy: it surfaces embedded literal text and
// drops everything encoded in PDF streams.
func extractPDF(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		if (c >= 0x20 && c < 0x7F) || c == '\n' || c == '\r' || c == '\t' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// extractDOCX pulls the contents of w:t text runs out of the raw XML.
// Placeholder strategy: it works on uncompressed document XML and returns
// nothing useful for a real zipped .docx container.
func extractDOCX(data []byte) string {
	text := decodeUTF8(data)
	matches := docxTextRun.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		// No recognizable runs; fall back to stripping all tags.
		return strings.TrimSpace(regexp.MustCompile(`<[^>]+>`).ReplaceAllString(text, " "))
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, m[1])
	}
	return strings.Join(parts, " ")
}

// ChunkText splits text into chunks of at most chunkSize bytes, each
// overlapping its predecessor by overlap bytes. Window ends are pulled back
// to the nearest paragraph break, sentence end, or newline when that
// boundary lies past the window's midpoint, so chunks avoid mid-word and
// mid-sentence cuts at the cost of up to ±50% size variance.
//
// Degenerate input (empty or whitespace-only) yields zero chunks. Text no
// longer than chunkSize yields exactly one chunk. ChunkText never fails on
// malformed text.
func ChunkText(text string, chunkSize, overlap int) []Chunk {
	if chunkSize <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 2
	}

	cleaned := Normalize(text)
	if cleaned == "" {
		return nil
	}

	if len(cleaned) <= chunkSize {
		return []Chunk{{Index: 0, Content: cleaned, StartByte: 0, EndByte: len(cleaned)}}
	}

	var chunks []Chunk
	start := 0
	for start < len(cleaned) {
		end := start + chunkSize
		if end >= len(cleaned) {
			end = len(cleaned)
		} else {
			// Never split a multi-byte rune at the window edge; the hard
			// cut must stay valid UTF-8 or the chunk is unusable downstream.
			end = alignRuneStart(cleaned, end)
			end = pullBackBoundary(cleaned, start, end)
		}
		if end <= start {
			// chunkSize smaller than the rune at start; take the whole rune.
			_, size := utf8.DecodeRuneInString(cleaned[start:])
			end = start + size
		}

		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Content:   cleaned[start:end],
			StartByte: start,
			EndByte:   end,
		})

		if end >= len(cleaned) {
			break
		}
		next := alignRuneStart(cleaned, end-overlap)
		if next <= start {
			// Overlap would stall the window; forward progress wins.
			_, size := utf8.DecodeRuneInString(cleaned[start:])
			next = start + size
		}
		start = next
	}

	return chunks
}

// alignRuneStart moves i back to the start of the rune it points into.
func alignRuneStart(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// Normalize canonicalizes line endings and collapses runs of spaces and
// tabs, then trims. Newlines are preserved: the boundary heuristics and
// chunk offsets both operate on this cleaned form.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = spaceRuns.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// pullBackBoundary moves the window end back to the nearest natural break:
// paragraph break first, then sentence end, then newline. A boundary only
// counts if it lies past the window's midpoint; otherwise the hard cut at
// end stands.
func pullBackBoundary(text string, start, end int) int {
	window := text[start:end]
	mid := len(window) / 2

	if i := strings.LastIndex(window, "\n\n"); i > mid {
		return start + i + 2
	}
	if i := strings.LastIndex(window, ". "); i > mid {
		return start + i + 2
	}
	if i := strings.LastIndexByte(window, '\n'); i > mid {
		return start + i + 1
	}
	return end
}
