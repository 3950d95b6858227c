package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedType indicates a file extension without an extractor.
var ErrUnsupportedType = errors.New("unsupported file type")

// SupportedTypes lists the file extensions the pipeline can extract text
// from.
func SupportedTypes() []string {
	return []string{".pdf", ".txt", ".md", ".json", ".csv"}
}

// extractText converts file bytes into plain text based on the extension.
func extractText(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return extractPDF(data)
	case ".txt", ".md":
		return string(data), nil
	case ".json":
		return extractJSON(data)
	case ".csv":
		return extractCSV(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(name))
	}
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

func extractJSON(data []byte) (string, error) {
	if !json.Valid(data) {
		return "", errors.New("invalid json document")
	}
	return string(data), nil
}

// extractCSV renders each row as "header: value" lines so the content stays
// searchable after chunking.
func extractCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parsing csv: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}

	header := rows[0]
	var b strings.Builder
	for _, row := range rows[1:] {
		for i, field := range row {
			if i < len(header) {
				b.WriteString(header[i])
				b.WriteString(": ")
			}
			b.WriteString(field)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		// Header-only file: index the header itself.
		return strings.Join(header, ", "), nil
	}
	return b.String(), nil
}

func trimExtension(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func hostLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "website"
	}
	return strings.ReplaceAll(u.Host, ".", "-")
}
