package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// officeFormat names the XML parts of an OOXML package that carry text, in
// reading order. Globs are matched per directory and sorted by number.
type officeFormat struct {
	name  string
	parts []string
}

var officeFormats = map[string]*officeFormat{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {
		name:  "docx",
		parts: []string{"word/document.xml", "word/footnotes.xml", "word/endnotes.xml"},
	},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": {
		name:  "xlsx",
		parts: []string{"xl/sharedStrings.xml", "xl/worksheets/sheet*.xml"},
	},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {
		name:  "pptx",
		parts: []string{"ppt/slides/slide*.xml"},
	},
}

var errTextLimit = errors.New("text limit reached")

func officeFormatFor(detected *mimetype.MIME) *officeFormat {
	for mime, format := range officeFormats {
		if detected.Is(mime) {
			return format
		}
	}
	return nil
}

// officeText collects the character data of w:t, a:t and t elements.
// Paragraphs, shared strings and rows end a line. Each part is decompressed
// up to partLimit bytes and the result stops growing at textLimit.
func officeText(data []byte, format *officeFormat, partLimit, textLimit int64) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", format.name, err)
	}
	var out strings.Builder
	for _, file := range orderedParts(archive.File, format.parts) {
		err := readPartText(file, partLimit, textLimit, &out)
		if errors.Is(err, errTextLimit) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s part %s: %w", format.name, file.Name, err)
		}
	}
	return out.String(), nil
}

func orderedParts(files []*zip.File, patterns []string) []*zip.File {
	var ordered []*zip.File
	for _, pattern := range patterns {
		var matched []*zip.File
		for _, file := range files {
			if ok, _ := path.Match(pattern, file.Name); ok {
				matched = append(matched, file)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			a, b := matched[i].Name, matched[j].Name
			if len(a) != len(b) {
				return len(a) < len(b)
			}
			return a < b
		})
		ordered = append(ordered, matched...)
	}
	return ordered
}

func readPartText(file *zip.File, partLimit, textLimit int64, out *strings.Builder) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(io.LimitReader(rc, partLimit))
	inText := 0
	// phonetic runs in shared strings repeat the text as a reading guide
	inPhonetic := 0
	lineOpen := false
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch el := token.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "t":
				inText++
			case "rPh":
				inPhonetic++
			case "tab":
				out.WriteByte('\t')
				lineOpen = true
			case "br":
				out.WriteByte('\n')
				lineOpen = false
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText--
			case "rPh":
				inPhonetic--
			case "p", "si", "row":
				if lineOpen {
					out.WriteByte('\n')
					lineOpen = false
				}
			}
		case xml.CharData:
			if inText > 0 && inPhonetic == 0 && len(el) > 0 {
				out.Write(el)
				lineOpen = true
			}
		}
		if int64(out.Len()) >= textLimit {
			return errTextLimit
		}
	}
}
