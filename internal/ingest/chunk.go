package ingest

import "strings"

// Chunk is one piece of a document, ordered by Index.
type Chunk struct {
	Index int
	Text  string
}

// hardChunks cuts text into pieces of at most size runes, in order.
// Concatenating the chunk texts restores the input exactly.
func hardChunks(text string, size int) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	chunks := make([]Chunk, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: string(runes[start:end])})
	}
	return chunks
}

// semanticChunks packs paragraphs into chunks of at most size runes,
// splitting oversized paragraphs at sentence boundaries and falling back to
// hard cuts for sentences longer than the budget. Whitespace between units
// is normalized, so concatenation is not byte-exact.
func semanticChunks(text string, size int) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var units []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len([]rune(para)) <= size {
			units = append(units, para)
			continue
		}
		for _, sentence := range splitSentences(para) {
			if len([]rune(sentence)) <= size {
				units = append(units, sentence)
				continue
			}
			for _, c := range hardChunks(sentence, size) {
				units = append(units, c.Text)
			}
		}
	}

	var chunks []Chunk
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen == 0 {
			return
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: current.String()})
		current.Reset()
		currentLen = 0
	}

	for _, unit := range units {
		unitLen := len([]rune(unit))
		// +1 for the separating newline.
		if currentLen > 0 && currentLen+1+unitLen > size {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n")
			currentLen++
		}
		current.WriteString(unit)
		currentLen += unitLen
	}
	flush()

	return chunks
}

// splitSentences breaks a paragraph after sentence-ending punctuation
// followed by whitespace. Good enough for chunk sizing; not a linguistic
// segmenter.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0

	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(string(runes[start : i+1]))
				if s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if start < len(runes) {
		s := strings.TrimSpace(string(runes[start:]))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
