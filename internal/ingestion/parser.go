package ingestion

import (
	"bytes"
	"path"
	"strings"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/ledongthuc/pdf"

	"github.com/conversehq/converse/internal/faults"
)

// Format is the detected document format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatPlain    Format = "plain"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

// DetectFormat routes by extension first, then by content sniffing.
func DetectFormat(filename string, content []byte) Format {
	switch strings.ToLower(path.Ext(filename)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".html", ".htm":
		return FormatHTML
	case ".pdf":
		return FormatPDF
	case ".txt":
		return FormatPlain
	}

	trimmed := bytes.TrimSpace(content)
	switch {
	case bytes.HasPrefix(trimmed, []byte("%PDF")):
		return FormatPDF
	case bytes.HasPrefix(trimmed, []byte("<!DOCTYPE")), bytes.HasPrefix(trimmed, []byte("<html")):
		return FormatHTML
	case bytes.HasPrefix(trimmed, []byte("#")):
		return FormatMarkdown
	default:
		return FormatPlain
	}
}

// Parse normalizes a document of the given format to markdown-ish text the
// chunker understands. Unparsable input is a permanent error: retrying the
// same bytes cannot succeed.
func Parse(format Format, content []byte) (string, error) {
	switch format {
	case FormatMarkdown, FormatPlain:
		return string(content), nil
	case FormatHTML:
		converted, err := htmltomd.ConvertString(string(content))
		if err != nil {
			return "", faults.Permanentf("ingestion.html", "convert html: %v", err)
		}
		return converted, nil
	case FormatPDF:
		return parsePDF(content)
	default:
		return "", faults.Permanentf("ingestion.format", "unsupported format %q", format)
	}
}

func parsePDF(content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", faults.Permanentf("ingestion.pdf", "open pdf: %v", err)
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		builder.WriteString(text)
		builder.WriteString("\n\n")
	}

	extracted := strings.TrimSpace(builder.String())
	if extracted == "" {
		return "", faults.Permanentf("ingestion.pdf", "pdf contains no extractable text")
	}
	return extracted, nil
}
