package connector

import (
	"path/filepath"
	"strings"
)

// contentTypes maps file extensions to the content types carried on
// source document metadata and used for cracker dispatch.
var contentTypes = map[string]string{
	// Text
	".txt":      "text/plain",
	".text":     "text/plain",
	".log":      "text/plain",
	".md":       "text/markdown",
	".mdx":      "text/markdown",
	".markdown": "text/markdown",
	".rst":      "text/plain",

	// Web
	".html": "text/html",
	".htm":  "text/html",
	".xml":  "text/xml",

	// Data
	".json":  "application/json",
	".jsonl": "application/x-ndjson",
	".csv":   "text/csv",
	".tsv":   "text/tab-separated-values",
	".yaml":  "text/x-yaml",
	".yml":   "text/x-yaml",
	".toml":  "text/x-toml",

	// Office
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".doc":  "application/msword",
	".rtf":  "application/rtf",

	// Mail
	".eml": "message/rfc822",

	// Source code indexed as text
	".go":   "text/x-go",
	".py":   "text/x-python",
	".js":   "text/javascript",
	".ts":   "text/typescript",
	".java": "text/x-java",
	".c":    "text/x-c",
	".cpp":  "text/x-c++",
	".rs":   "text/x-rust",
	".rb":   "text/x-ruby",
	".sh":   "text/x-sh",
	".sql":  "text/x-sql",
}

// specialFilenames maps extensionless well-known names.
var specialFilenames = map[string]string{
	"README":     "text/plain",
	"LICENSE":    "text/plain",
	"Dockerfile": "text/x-dockerfile",
	"Makefile":   "text/x-makefile",
}

// ContentTypeForPath returns the content type for a file path. Extensions
// win over special filenames; unknown paths fall back to
// application/octet-stream so binary content is never mis-cracked as text.
func ContentTypeForPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != "" {
		if ct, ok := contentTypes[ext]; ok {
			return ct
		}
	}
	if ct, ok := specialFilenames[filepath.Base(path)]; ok {
		return ct
	}
	return "application/octet-stream"
}
