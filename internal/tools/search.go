package tools

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultMaxResults = 50
	maxScanBytes      = 1024 * 1024 // skip files larger than 1MB
)

// SearchInput is the input for the search facade.
type SearchInput struct {
	Query      string `json:"query"`
	Path       string `json:"path,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

// SearchMatch is one matching line.
type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchOutput is the output for the search facade.
type SearchOutput struct {
	Matches   []SearchMatch `json:"matches"`
	Truncated bool          `json:"truncated"`
}

// Search validates and serves a search request: a case-insensitive
// substring scan over regular files under the given path (default: the
// registry root). Binary-looking and oversized files are skipped.
func (r *Registry) Search(raw json.RawMessage) (SearchOutput, error) {
	var in SearchInput
	if err := r.validate("search", raw, &in); err != nil {
		return SearchOutput{}, err
	}
	if in.MaxResults <= 0 {
		in.MaxResults = defaultMaxResults
	}
	startPath := in.Path
	if startPath == "" {
		startPath = "."
	}
	root, err := r.resolvePath(startPath)
	if err != nil {
		return SearchOutput{}, err
	}

	needle := strings.ToLower(in.Query)
	var out SearchOutput
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxScanBytes {
			return nil
		}

		matches, scanErr := scanFile(path, needle, in.MaxResults-len(out.Matches))
		if scanErr != nil {
			return nil
		}
		out.Matches = append(out.Matches, matches...)
		if len(out.Matches) >= in.MaxResults {
			out.Truncated = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return SearchOutput{}, fmt.Errorf("search: %w", err)
	}
	return out, nil
}

func scanFile(path, needle string, limit int) ([]SearchMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []SearchMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.Contains(line, "\x00") {
			return matches, nil // binary content, stop scanning this file
		}
		if strings.Contains(strings.ToLower(line), needle) {
			matches = append(matches, SearchMatch{Path: path, Line: lineNo, Text: line})
			if len(matches) >= limit {
				return matches, nil
			}
		}
	}
	return matches, scanner.Err()
}
