// Package extract turns mirrored file content into an index body.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultMaxBytes         = 4 << 20
	defaultMaxDocumentBytes = 64 << 20
	// sniffBytes matches the read limit mimetype uses for detection.
	sniffBytes = 3072
)

// Document is what the index stores for one file. Text is empty for content
// that is neither textual nor a supported document format.
type Document struct {
	ContentType string
	Text        string
	Size        int64
	Truncated   bool
	// Skipped says why a supported document produced no text.
	Skipped string
}

type Options struct {
	// MaxBytes caps the extracted text.
	MaxBytes int64
	// MaxDocumentBytes caps how much of a PDF or Office file is read for
	// parsing. Larger documents are indexed without text.
	MaxDocumentBytes int64
}

type Extractor struct {
	maxBytes         int64
	maxDocumentBytes int64
}

func New(opts Options) *Extractor {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxDocumentBytes := opts.MaxDocumentBytes
	if maxDocumentBytes <= 0 {
		maxDocumentBytes = defaultMaxDocumentBytes
	}
	if maxDocumentBytes < maxBytes {
		maxDocumentBytes = maxBytes
	}
	return &Extractor{maxBytes: maxBytes, maxDocumentBytes: maxDocumentBytes}
}

func (e *Extractor) ExtractFile(path string) (Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer file.Close()
	doc, err := e.Extract(file)
	if err != nil {
		return Document{}, fmt.Errorf("extract %s: %w", path, err)
	}
	if info, statErr := file.Stat(); statErr == nil {
		doc.Size = info.Size()
	}
	return doc, nil
}

func (e *Extractor) Extract(r io.Reader) (Document, error) {
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Document{}, err
	}
	head = head[:n]
	detected := mimetype.Detect(head)
	doc := Document{ContentType: detected.String(), Size: int64(n)}
	body := io.MultiReader(bytes.NewReader(head), r)

	switch {
	case isTextual(detected):
		data, err := readAtMost(body, e.maxBytes)
		if err != nil {
			return Document{}, err
		}
		doc.Size = int64(len(data))
		if int64(len(data)) > e.maxBytes {
			data = data[:e.maxBytes]
			doc.Truncated = true
		}
		doc.Text = strings.TrimSpace(strings.ToValidUTF8(trimPartialRune(data), ""))
	case detected.Is(pdfMIME) || officeFormatFor(detected) != nil:
		data, err := readAtMost(body, e.maxDocumentBytes)
		if err != nil {
			return Document{}, err
		}
		doc.Size = int64(len(data))
		if int64(len(data)) > e.maxDocumentBytes {
			doc.Truncated = true
			doc.Skipped = fmt.Sprintf("document exceeds %d bytes", e.maxDocumentBytes)
			return doc, nil
		}
		var text string
		if detected.Is(pdfMIME) {
			text, err = pdfText(data, e.maxBytes+1)
		} else {
			text, err = officeText(data, officeFormatFor(detected), e.maxDocumentBytes, e.maxBytes+1)
		}
		if err != nil {
			doc.Skipped = err.Error()
			return doc, nil
		}
		doc.Text, doc.Truncated = e.capText(text)
	}
	return doc, nil
}

func readAtMost(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(r, limit+1)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Extractor) capText(text string) (string, bool) {
	truncated := false
	if int64(len(text)) > e.maxBytes {
		text = trimPartialRune([]byte(text[:e.maxBytes]))
		truncated = true
	}
	return strings.TrimSpace(strings.ToValidUTF8(text, "")), truncated
}

func isTextual(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("text/plain") || m.Is("application/json") || m.Is("application/xml") {
			return true
		}
	}
	return false
}

// trimPartialRune drops a multi-byte sequence cut by the size cap.
func trimPartialRune(data []byte) string {
	for i := 0; i < utf8.UTFMax && len(data) > 0; i++ {
		if utf8.Valid(data) {
			break
		}
		r, size := utf8.DecodeLastRune(data)
		if r != utf8.RuneError || size != 1 {
			break
		}
		data = data[:len(data)-1]
	}
	return string(data)
}
