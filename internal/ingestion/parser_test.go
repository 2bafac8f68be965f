package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversehq/converse/internal/faults"
)

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filename string
		content  []byte
		want     Format
	}{
		{name: "md extension", filename: "faq.md", want: FormatMarkdown},
		{name: "markdown extension", filename: "guide.markdown", want: FormatMarkdown},
		{name: "html extension", filename: "page.html", want: FormatHTML},
		{name: "pdf extension", filename: "doc.pdf", want: FormatPDF},
		{name: "txt extension", filename: "notes.txt", want: FormatPlain},
		{name: "pdf magic bytes", filename: "mystery", content: []byte("%PDF-1.7 ..."), want: FormatPDF},
		{name: "html doctype", filename: "mystery", content: []byte("<!DOCTYPE html><html>"), want: FormatHTML},
		{name: "markdown heading", filename: "mystery", content: []byte("# Title\n\nbody"), want: FormatMarkdown},
		{name: "plain fallback", filename: "mystery", content: []byte("just words"), want: FormatPlain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DetectFormat(tt.filename, tt.content))
		})
	}
}

func TestParseMarkdownPassthrough(t *testing.T) {
	t.Parallel()

	text, err := Parse(FormatMarkdown, []byte("# FAQ\n\nQ: reset?\nA: press hold 5s."))
	require.NoError(t, err)
	assert.Contains(t, text, "Q: reset?")
}

func TestParseHTML(t *testing.T) {
	t.Parallel()

	text, err := Parse(FormatHTML, []byte("<html><body><h1>Returns</h1><p>Items may be returned within 30 days.</p></body></html>"))
	require.NoError(t, err)
	assert.Contains(t, text, "Returns")
	assert.Contains(t, text, "30 days")
	assert.NotContains(t, text, "<p>")
}

func TestParseBrokenPDFIsPermanent(t *testing.T) {
	t.Parallel()

	_, err := Parse(FormatPDF, []byte("not a pdf at all"))
	require.Error(t, err)
	assert.Equal(t, faults.KindPermanent, faults.KindOf(err))
}

func TestParseUnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := Parse(Format("docx"), []byte("..."))
	require.Error(t, err)
	assert.Equal(t, faults.KindPermanent, faults.KindOf(err))
}
