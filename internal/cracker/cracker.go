// Package cracker extracts text and metadata from raw document bytes.
// Crackers are pure functions of their input; dispatch is by content
// type and file extension, first match wins.
package cracker

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// CrackedDocument is the normalized result every cracker produces.
type CrackedDocument struct {
	Content        string
	Title          string
	Author         string
	CreatedDate    time.Time
	ModifiedDate   time.Time
	PageCount      int
	WordCount      int
	CharacterCount int
	Language       string
	Metadata       map[string]string
	// Fields holds the typed top-level properties of structured formats
	// (JSON objects), so indexers can map them without re-parsing. Nil
	// for text formats.
	Fields   map[string]any
	Warnings []string
	Images   []Image
	Error    string
}

// Image is an embedded image surfaced for downstream skills.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Cracker extracts one family of formats.
type Cracker interface {
	CanHandle(contentType, ext string) bool
	Crack(data []byte, name, contentType string) (*CrackedDocument, error)
}

// Registry dispatches to the first cracker claiming a document.
type Registry struct {
	crackers []Cracker
}

// NewRegistry builds a registry from the given crackers, tried in order.
func NewRegistry(crackers ...Cracker) *Registry {
	return &Registry{crackers: crackers}
}

// DefaultRegistry returns the built-in cracker chain. The plain-text
// cracker runs last and claims any remaining text/* content.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&JSONCracker{},
		&CSVCracker{},
		&MarkdownCracker{},
		&HTMLCracker{},
		&XLSXCracker{},
		&DOCXCracker{},
		&PDFCracker{},
		&PlainTextCracker{},
	)
}

// Crack extracts the document. It never fails the caller: unknown types,
// cracker errors, and panics all come back as an Error flag on the
// result so the indexer run continues.
func (r *Registry) Crack(data []byte, name, contentType string) *CrackedDocument {
	ext := strings.ToLower(filepath.Ext(name))
	for _, c := range r.crackers {
		if !c.CanHandle(contentType, ext) {
			continue
		}
		doc, err := crack(c, data, name, contentType)
		if err != nil {
			slog.Warn("cracker_failed",
				slog.String("name", name),
				slog.String("content_type", contentType),
				slog.String("error", err.Error()))
			doc = &CrackedDocument{Error: err.Error(), Warnings: []string{err.Error()}}
		}
		finalize(doc)
		return doc
	}

	msg := fmt.Sprintf("no cracker for content type %q (%s)", contentType, ext)
	doc := &CrackedDocument{Error: msg, Warnings: []string{msg}}
	finalize(doc)
	return doc
}

func crack(c Cracker, data []byte, name, contentType string) (doc *CrackedDocument, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cracker panic: %v", r)
		}
	}()
	return c.Crack(data, name, contentType)
}

func finalize(doc *CrackedDocument) {
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	if doc.CharacterCount == 0 {
		doc.CharacterCount = utf8.RuneCountInString(doc.Content)
	}
	if doc.WordCount == 0 {
		doc.WordCount = len(strings.Fields(doc.Content))
	}
}
