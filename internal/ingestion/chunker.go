package ingestion

import (
	"regexp"
	"strings"

	"github.com/conversehq/converse/internal/retrieval"
)

// ChunkConfig controls chunk sizes. Sizes are measured in estimated tokens.
type ChunkConfig struct {
	MaxTokens     int
	OverlapTokens int
	MinTokens     int
}

// DefaultChunkConfig matches the ingestion defaults: 512-token chunks with
// 64 tokens of overlap.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{MaxTokens: 512, OverlapTokens: 64, MinTokens: 24}
}

func (c *ChunkConfig) normalize() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 512
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.MaxTokens {
		c.OverlapTokens = c.MaxTokens / 8
	}
	if c.MinTokens <= 0 {
		c.MinTokens = 24
	}
}

// Chunk is one unit of text bound for embedding.
type Chunk struct {
	Text    string
	Section string
	Format  string
}

var (
	headingPattern  = regexp.MustCompile(`(?m)^#{1,6}\s+.+$`)
	faqPattern      = regexp.MustCompile(`(?im)^\s*\|\s*Question\s*\|\s*Answer\s*\|`)
	tableRowPattern = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`)
	faqQAPattern    = regexp.MustCompile(`(?m)^Q:\s*.+$`)
	paragraphSplit  = regexp.MustCompile(`\n{2,}`)
)

// ChunkText splits a markdown document into semantically coherent chunks:
// headings delimit sections, FAQ tables and Q/A blocks stay whole per
// entry, and long bodies split into overlapping windows.
func ChunkText(text string, cfg ChunkConfig) []Chunk {
	cfg.normalize()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	for _, section := range splitSections(text) {
		body := strings.TrimSpace(section.body)
		if body == "" {
			continue
		}
		switch {
		case faqPattern.MatchString(body):
			chunks = append(chunks, chunkFAQTable(body, section.heading)...)
		case faqQAPattern.MatchString(body):
			chunks = append(chunks, chunkQABlocks(body, section.heading)...)
		default:
			chunks = append(chunks, chunkBody(body, section.heading, cfg)...)
		}
	}
	return chunks
}

type section struct {
	heading string
	body    string
}

func splitSections(text string) []section {
	matches := headingPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []section{{body: text}}
	}

	var sections []section
	if intro := strings.TrimSpace(text[:matches[0][0]]); intro != "" {
		sections = append(sections, section{body: intro})
	}
	for i, match := range matches {
		heading := strings.TrimSpace(strings.TrimLeft(text[match[0]:match[1]], "# "))
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		sections = append(sections, section{heading: heading, body: text[match[1]:end]})
	}
	return sections
}

// chunkFAQTable splits a markdown FAQ table into one chunk per row,
// formatted as Q/A pairs.
func chunkFAQTable(body, heading string) []Chunk {
	var chunks []Chunk
	for _, row := range tableRowPattern.FindAllString(body, -1) {
		clean := strings.ToLower(strings.Trim(strings.TrimSpace(row), "| "))
		condensed := strings.NewReplacer("-", "", "|", "", " ", "", ":", "").Replace(clean)
		if condensed == "" || strings.HasPrefix(clean, "question") {
			continue
		}
		cells := strings.Split(strings.Trim(strings.TrimSpace(row), "|"), "|")
		if len(cells) < 2 {
			continue
		}
		question := strings.TrimSpace(cells[0])
		answer := strings.TrimSpace(cells[1])
		if question == "" || answer == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:    "Q: " + question + "\nA: " + answer,
			Section: heading,
			Format:  "faq",
		})
	}
	return chunks
}

// chunkQABlocks keeps FAQ-style "Q: ... A: ..." prose sections whole per
// question.
func chunkQABlocks(body, heading string) []Chunk {
	var chunks []Chunk
	starts := faqQAPattern.FindAllStringIndex(body, -1)
	for i, start := range starts {
		end := len(body)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		entry := strings.TrimSpace(body[start[0]:end])
		if entry == "" {
			continue
		}
		chunks = append(chunks, Chunk{Text: entry, Section: heading, Format: "faq"})
	}
	return chunks
}

// chunkBody assembles paragraphs up to the chunk budget, then windows any
// oversized segment with overlap.
func chunkBody(body, heading string, cfg ChunkConfig) []Chunk {
	paragraphs := paragraphSplit.Split(body, -1)

	var assembled []string
	current := ""
	for _, paragraph := range paragraphs {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		candidate := paragraph
		if current != "" {
			candidate = current + "\n\n" + paragraph
		}
		if retrieval.EstimateTokens(candidate) <= cfg.MaxTokens {
			current = candidate
			continue
		}
		if current != "" {
			assembled = append(assembled, current)
		}
		current = paragraph
	}
	if current != "" {
		assembled = append(assembled, current)
	}

	var chunks []Chunk
	for _, segment := range assembled {
		chunks = append(chunks, splitSegment(segment, heading, cfg)...)
	}
	return chunks
}

func splitSegment(segment, heading string, cfg ChunkConfig) []Chunk {
	if retrieval.EstimateTokens(segment) <= cfg.MaxTokens {
		return []Chunk{{Text: segment, Section: heading}}
	}

	// Token sizes map back to runes through the same 4-chars-per-token
	// estimate used for budgeting.
	maxRunes := cfg.MaxTokens * 4
	overlapRunes := cfg.OverlapTokens * 4
	runes := []rune(segment)

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		text := strings.TrimSpace(string(runes[start:end]))
		if text != "" {
			chunks = append(chunks, Chunk{Text: text, Section: heading})
		}
		if end == len(runes) {
			break
		}
		start = end - overlapRunes
	}
	return chunks
}
