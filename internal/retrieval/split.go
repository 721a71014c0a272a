package retrieval

import (
	"regexp"
	"strings"
)

var (
	sentenceRe  = regexp.MustCompile(`([^.?!]*)[.?!]`)
	paragraphRe = regexp.MustCompile(`\n{2,}`)
)

// SplitSentences splits text at '.', '?' and '!'. The terminators are dropped,
// sentences are trimmed and empty ones skipped; trailing text without a
// terminator forms the last sentence.
func SplitSentences(text string) []string {
	var out []string
	end := 0
	for _, m := range sentenceRe.FindAllStringSubmatchIndex(text, -1) {
		if s := strings.TrimSpace(text[m[2]:m[3]]); s != "" {
			out = append(out, s)
		}
		end = m[1]
	}
	if rest := strings.TrimSpace(text[end:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// SplitParagraphs splits text at runs of two or more newlines.
func SplitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRe.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ChunkText packs sentences into newline-joined chunks of about size bytes.
// A sentence longer than size becomes its own chunk. With overlap, the
// sentence that would overflow a chunk also ends it and starts the next one.
func ChunkText(text string, size int, overlap bool) []string {
	var (
		chunks  []string
		cur     []string
		curLen  int
		pending bool
	)
	for _, s := range SplitSentences(text) {
		if len(cur) > 0 && curLen+len(s) > size {
			if overlap {
				chunks = append(chunks, strings.Join(append(cur, s), "\n"))
				cur, curLen, pending = []string{s}, len(s), false
				continue
			}
			chunks = append(chunks, strings.Join(cur, "\n"))
			cur, curLen = nil, 0
		}
		cur = append(cur, s)
		curLen += len(s)
		pending = true
	}
	if pending {
		chunks = append(chunks, strings.Join(cur, "\n"))
	}
	return chunks
}
