package memory

import "strings"

// DefaultChunkSize is the target chunk length in characters. Chunks end on
// paragraph boundaries where possible.
const DefaultChunkSize = 500

// Chunk is one ingestible slice of a markdown document.
type Chunk struct {
	Text      string
	StartLine int // 1-based
	EndLine   int
}

type paragraph struct {
	text      string
	startLine int
	endLine   int
}

// ChunkMarkdown splits text into chunks of roughly target characters,
// grouping whole paragraphs. A single paragraph longer than the target is
// split hard, preferring space boundaries.
func ChunkMarkdown(text string, target int) []Chunk {
	if target <= 0 {
		target = DefaultChunkSize
	}

	paragraphs := splitParagraphs(text)
	var chunks []Chunk
	var buf strings.Builder
	startLine, endLine := 0, 0

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{Text: buf.String(), StartLine: startLine, EndLine: endLine})
		buf.Reset()
	}

	for _, para := range paragraphs {
		if len(para.text) > target {
			flush()
			for _, piece := range splitLong(para.text, target) {
				chunks = append(chunks, Chunk{Text: piece, StartLine: para.startLine, EndLine: para.endLine})
			}
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(para.text)+2 > target {
			flush()
		}
		if buf.Len() == 0 {
			startLine = para.startLine
		} else {
			buf.WriteString("\n\n")
		}
		buf.WriteString(para.text)
		endLine = para.endLine
	}
	flush()
	return chunks
}

// splitParagraphs groups contiguous non-blank lines, keeping 1-based line
// positions.
func splitParagraphs(text string) []paragraph {
	lines := strings.Split(text, "\n")
	var paragraphs []paragraph
	var current []string
	start := 0

	emit := func(end int) {
		if len(current) == 0 {
			return
		}
		paragraphs = append(paragraphs, paragraph{
			text:      strings.TrimSpace(strings.Join(current, "\n")),
			startLine: start,
			endLine:   end,
		})
		current = nil
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			emit(i)
			continue
		}
		if len(current) == 0 {
			start = i + 1
		}
		current = append(current, line)
	}
	emit(len(lines))
	return paragraphs
}

// splitLong cuts an oversized paragraph at the last space before each target
// boundary, or hard at the boundary when there is none.
func splitLong(text string, target int) []string {
	var pieces []string
	for len(text) > target {
		cut := strings.LastIndexByte(text[:target], ' ')
		if cut < target/2 {
			cut = target
		}
		pieces = append(pieces, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		pieces = append(pieces, text)
	}
	return pieces
}
