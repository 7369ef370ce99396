// Package kind detects a document's declared "kind" from an embedded
// fenced JSON block (spec.md §4.11).
package kind

import (
	"encoding/json"
	"strings"
)

// Default is used when no kind block is present or it fails to parse.
const Default = "note"

const (
	fenceOpen  = "```nexus-doc"
	fenceClose = "```"
)

// Detect scans text for the first ```nexus-doc fenced JSON block and returns
// its "kind" string field, or Default if none is present or parseable.
func Detect(text string) string {
	start := strings.Index(text, fenceOpen)
	if start == -1 {
		return Default
	}

	rest := text[start+len(fenceOpen):]

	// The JSON body begins after the newline that ends the opening fence line.
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return Default
	}

	rest = rest[nl+1:]

	end := strings.Index(rest, "\n"+fenceClose)
	if end == -1 {
		return Default
	}

	body := rest[:end]

	var doc struct {
		Kind string `json:"kind"`
	}

	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return Default
	}

	if doc.Kind == "" {
		return Default
	}

	return doc.Kind
}
