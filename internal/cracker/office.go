package cracker

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// PDFCracker extracts page text plus the information dictionary.
type PDFCracker struct{}

func (*PDFCracker) CanHandle(contentType, ext string) bool {
	return contentType == "application/pdf" || ext == ".pdf"
}

func (*PDFCracker) Crack(data []byte, name, contentType string) (*CrackedDocument, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse PDF: %w", err)
	}

	pages := reader.NumPage()
	doc := &CrackedDocument{
		PageCount: pages,
		Metadata:  map[string]string{"type": "pdf", "pages": strconv.Itoa(pages)},
	}

	var parts []string
	for n := 1; n <= pages; n++ {
		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			doc.Warnings = append(doc.Warnings, fmt.Sprintf("page %d: %v", n, err))
			continue
		}
		if t := strings.TrimSpace(text); t != "" {
			parts = append(parts, t)
		}
	}
	doc.Content = strings.Join(parts, "\n\n")

	info := reader.Trailer().Key("Info")
	if !info.IsNull() {
		doc.Title = info.Key("Title").Text()
		doc.Author = info.Key("Author").Text()
		doc.CreatedDate = parsePDFDate(info.Key("CreationDate").Text())
		doc.ModifiedDate = parsePDFDate(info.Key("ModDate").Text())
	}
	return doc, nil
}

// parsePDFDate reads the numeric prefix of a PDF date string
// (D:YYYYMMDDHHMMSS with optional timezone suffix).
func parsePDFDate(s string) time.Time {
	s = strings.TrimPrefix(s, "D:")
	digits := s
	for i, r := range s {
		if r < '0' || r > '9' {
			digits = s[:i]
			break
		}
	}
	for _, layout := range []string{"20060102150405", "200601021504", "20060102"} {
		if len(digits) == len(layout) {
			if t, err := time.Parse(layout, digits); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// DOCXCracker extracts paragraph text from Word documents.
type DOCXCracker struct{}

func (*DOCXCracker) CanHandle(contentType, ext string) bool {
	return ext == ".docx" ||
		contentType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
}

func (*DOCXCracker) Crack(data []byte, name, contentType string) (*CrackedDocument, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse DOCX: %w", err)
	}
	defer r.Close()

	return &CrackedDocument{
		Content:  docxText(r.Editable().GetContent()),
		Metadata: map[string]string{"type": "docx"},
	}, nil
}

// docxText walks the document XML collecting text runs, with paragraph
// ends as line breaks.
func docxText(raw string) string {
	dec := xml.NewDecoder(strings.NewReader(raw))
	var (
		b      strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// XLSXCracker renders sheet cells row by row, tab separated.
type XLSXCracker struct{}

func (*XLSXCracker) CanHandle(contentType, ext string) bool {
	return ext == ".xlsx" ||
		contentType == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

func (*XLSXCracker) Crack(data []byte, name, contentType string) (*CrackedDocument, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse XLSX: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	doc := &CrackedDocument{
		PageCount: len(sheets),
		Metadata:  map[string]string{"type": "xlsx", "sheets": strconv.Itoa(len(sheets))},
	}

	var parts []string
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			doc.Warnings = append(doc.Warnings, fmt.Sprintf("sheet %q: %v", sheet, err))
			continue
		}
		var b strings.Builder
		b.WriteString(sheet)
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				if c := strings.TrimSpace(cell); c != "" {
					cells = append(cells, c)
				}
			}
			if len(cells) > 0 {
				b.WriteByte('\n')
				b.WriteString(strings.Join(cells, "\t"))
			}
		}
		parts = append(parts, b.String())
	}
	doc.Content = strings.Join(parts, "\n\n")

	if props, err := f.GetDocProps(); err == nil && props != nil {
		doc.Title = props.Title
		doc.Author = props.Creator
		if t, err := time.Parse(time.RFC3339, props.Created); err == nil {
			doc.CreatedDate = t
		}
		if t, err := time.Parse(time.RFC3339, props.Modified); err == nil {
			doc.ModifiedDate = t
		}
	}
	return doc, nil
}
