package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 100 * 1024 // 100KB

// ReadFileInput is the input for the read_file facade.
type ReadFileInput struct {
	Path string `json:"path"`
}

// ReadFileOutput is the output for the read_file facade.
type ReadFileOutput struct {
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// WriteFileInput is the input for the write_file facade.
type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileOutput is the output for the write_file facade.
type WriteFileOutput struct {
	Written bool   `json:"written"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
}

// resolvePath confines rawPath to the registry root. Traversal out of the
// root (".." or absolute paths pointing elsewhere) is rejected.
func (r *Registry) resolvePath(rawPath string) (string, error) {
	if rawPath == "" {
		return "", fmt.Errorf("empty path")
	}
	root := r.RootDir
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}

	candidate := rawPath
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	resolved, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes allowed root", rawPath)
	}
	return resolved, nil
}

// ReadFile validates and serves a read_file request. Files larger than
// 100KB are rejected rather than truncated.
func (r *Registry) ReadFile(raw json.RawMessage) (ReadFileOutput, error) {
	var in ReadFileInput
	if err := r.validate("read_file", raw, &in); err != nil {
		return ReadFileOutput{}, err
	}
	path, err := r.resolvePath(in.Path)
	if err != nil {
		return ReadFileOutput{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return ReadFileOutput{}, fmt.Errorf("read_file: %w", err)
	}
	if info.Size() > maxReadBytes {
		return ReadFileOutput{}, fmt.Errorf("read_file: %s is %d bytes, limit %d", in.Path, info.Size(), maxReadBytes)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ReadFileOutput{}, fmt.Errorf("read_file: %w", err)
	}
	return ReadFileOutput{Content: string(b), Size: info.Size()}, nil
}

// WriteFile validates and serves a write_file request, creating parent
// directories under the root as needed.
func (r *Registry) WriteFile(raw json.RawMessage) (WriteFileOutput, error) {
	var in WriteFileInput
	if err := r.validate("write_file", raw, &in); err != nil {
		return WriteFileOutput{}, err
	}
	path, err := r.resolvePath(in.Path)
	if err != nil {
		return WriteFileOutput{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return WriteFileOutput{}, fmt.Errorf("write_file: %w", err)
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return WriteFileOutput{}, fmt.Errorf("write_file: %w", err)
	}
	return WriteFileOutput{Written: true, Path: path, Size: len(in.Content)}, nil
}
