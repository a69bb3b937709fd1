package cracker

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// JSONCracker flattens a JSON document: string leaves become the content
// (in path order) and every scalar leaf lands in metadata under its
// slash-joined path.
type JSONCracker struct{}

func (*JSONCracker) CanHandle(contentType, ext string) bool {
	return contentType == "application/json" || ext == ".json"
}

func (*JSONCracker) Crack(data []byte, name, contentType string) (*CrackedDocument, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}

	var leaves []jsonLeaf
	flattenJSON("", root, &leaves)
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].path < leaves[j].path })

	meta := make(map[string]string, len(leaves)+1)
	var parts []string
	for _, leaf := range leaves {
		meta[leaf.path] = leaf.text
		if leaf.str && leaf.text != "" {
			parts = append(parts, leaf.text)
		}
	}
	meta["type"] = "json"

	title := ""
	var fields map[string]any
	if obj, ok := root.(map[string]any); ok {
		fields = obj
		if s, ok := obj["title"].(string); ok {
			title = s
		}
	}

	return &CrackedDocument{
		Content:  strings.Join(parts, "\n"),
		Title:    title,
		Metadata: meta,
		Fields:   fields,
	}, nil
}

type jsonLeaf struct {
	path string
	text string
	str  bool
}

func flattenJSON(prefix string, v any, out *[]jsonLeaf) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			flattenJSON(joinJSONPath(prefix, k), val, out)
		}
	case []any:
		for i, val := range t {
			flattenJSON(joinJSONPath(prefix, strconv.Itoa(i)), val, out)
		}
	case string:
		*out = append(*out, jsonLeaf{path: prefix, text: t, str: true})
	case float64:
		*out = append(*out, jsonLeaf{path: prefix, text: strconv.FormatFloat(t, 'f', -1, 64)})
	case bool:
		*out = append(*out, jsonLeaf{path: prefix, text: strconv.FormatBool(t)})
	}
}

func joinJSONPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// CSVCracker renders records against the header row, one line per record.
type CSVCracker struct{}

func (*CSVCracker) CanHandle(contentType, ext string) bool {
	return contentType == "text/csv" || contentType == "text/tab-separated-values" ||
		ext == ".csv" || ext == ".tsv"
}

func (*CSVCracker) Crack(data []byte, name, contentType string) (*CrackedDocument, error) {
	r := csv.NewReader(strings.NewReader(cleanText(data)))
	r.FieldsPerRecord = -1
	if contentType == "text/tab-separated-values" || strings.HasSuffix(strings.ToLower(name), ".tsv") {
		r.Comma = '\t'
	}

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse CSV: %w", err)
	}
	if len(records) == 0 {
		return &CrackedDocument{Metadata: map[string]string{"type": "csv"}}, nil
	}

	header := records[0]
	var b strings.Builder
	for _, rec := range records[1:] {
		pairs := make([]string, 0, len(rec))
		for i, cell := range rec {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				pairs = append(pairs, strings.TrimSpace(header[i])+": "+cell)
			} else {
				pairs = append(pairs, cell)
			}
		}
		if len(pairs) > 0 {
			b.WriteString(strings.Join(pairs, "; "))
			b.WriteByte('\n')
		}
	}

	return &CrackedDocument{
		Content: strings.TrimRight(b.String(), "\n"),
		Metadata: map[string]string{
			"type":    "csv",
			"rows":    strconv.Itoa(len(records) - 1),
			"columns": strconv.Itoa(len(header)),
		},
	}, nil
}
