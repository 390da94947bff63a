package ingest

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
)

// Document kinds the extraction stage understands.
const (
	KindPDF      = "application/pdf"
	KindText     = "text/plain"
	KindMarkdown = "text/markdown"
	KindCSV      = "text/csv"
)

// Extracted is the plain text of a raw upload.
type Extracted struct {
	Kind string
	Text string
}

// Extract sniffs the content type from the bytes and returns the plain text.
// The declared type and file name only decide between text flavours that
// sniff the same.
func Extract(data []byte, fileName, declared string) (*Extracted, error) {
	if len(data) == 0 {
		return nil, ErrEmptyText
	}
	kind, err := detectKind(data, fileName, declared)
	if err != nil {
		return nil, err
	}

	var text string
	switch kind {
	case KindPDF:
		text, err = pdfText(data)
		if err != nil {
			return nil, err
		}
	default:
		text = string(data)
	}

	text = normalizeText(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	return &Extracted{Kind: kind, Text: text}, nil
}

func detectKind(data []byte, fileName, declared string) (string, error) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/pdf"):
		return KindPDF, nil
	case mt.Is("text/html"):
		return "", fmt.Errorf("%w: html", ErrUnsupportedType)
	case mt.Is("text/csv"):
		return KindCSV, nil
	case mt.Is("text/plain"):
		ext := strings.ToLower(filepath.Ext(fileName))
		if ext == ".md" || ext == ".markdown" || strings.HasPrefix(strings.ToLower(declared), KindMarkdown) {
			return KindMarkdown, nil
		}
		if ext == ".csv" {
			return KindCSV, nil
		}
		return KindText, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mt.String())
	}
}

func pdfText(data []byte) (text string, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read pdf failed: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf failed: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text failed: %w", err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text failed: %w", err)
	}
	return string(out), nil
}

func normalizeText(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.TrimSpace(text)
}
