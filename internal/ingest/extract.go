package ingest

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"askdocs/internal/pkg/pdfextract"
)

// extractText pulls plain text from an uploaded document. PDFs go through
// the PDF extractor; anything that decodes as UTF-8 is treated as plain
// text.
func extractText(key string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object failed: %w", err)
	}

	if isPDF(key, body) {
		text, err := pdfextract.ExtractText(bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("document %q: %w", key, err)
		}
		return text, nil
	}

	if !utf8.Valid(body) {
		return "", fmt.Errorf("unsupported document format: %s", key)
	}
	return string(body), nil
}

func isPDF(key string, body []byte) bool {
	if strings.HasSuffix(strings.ToLower(key), ".pdf") {
		return true
	}
	return bytes.HasPrefix(body, []byte("%PDF-"))
}
