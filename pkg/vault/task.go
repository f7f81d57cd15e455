package vault

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FrontMatter is the optional YAML header of a task file.
type FrontMatter struct {
	Type    string    `yaml:"type,omitempty"`
	Action  string    `yaml:"action,omitempty"`
	Status  string    `yaml:"status,omitempty"`
	Created time.Time `yaml:"created,omitempty"`
	Source  string    `yaml:"source,omitempty"`
}

// Task is one unit of work: a Markdown or JSON file with free-text content
// and optional front-matter. Its state is positional (see Layout).
type Task struct {
	ID      string // filename stem
	Path    string // current location on disk
	Meta    FrontMatter
	Content string // body without front-matter
}

var frontMatterDelim = []byte("---")

// ParseTask reads and parses a task file. A missing or malformed front-matter
// block is not an error; the whole file becomes the content.
func ParseTask(path string) (*Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", path, err)
	}

	t := &Task{
		ID:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path: path,
	}

	meta, body, ok := splitFrontMatter(raw)
	if ok {
		if err := yaml.Unmarshal(meta, &t.Meta); err != nil {
			// Malformed header: keep the file intact as content.
			t.Content = string(raw)
			return t, nil
		}
		t.Content = string(body)
		return t, nil
	}
	t.Content = string(raw)
	return t, nil
}

// Render serializes a task back to front-matter + body form.
func (t *Task) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(frontMatterDelim)
	buf.WriteByte('\n')
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(&t.Meta); err != nil {
		return nil, fmt.Errorf("encode front-matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.Write(frontMatterDelim)
	buf.WriteByte('\n')
	buf.WriteString(t.Content)
	return buf.Bytes(), nil
}

func splitFrontMatter(raw []byte) (meta, body []byte, ok bool) {
	trimmed := bytes.TrimLeft(raw, "\r\n")
	if !bytes.HasPrefix(trimmed, frontMatterDelim) {
		return nil, nil, false
	}
	rest := trimmed[len(frontMatterDelim):]
	rest = bytes.TrimPrefix(rest, []byte("\r"))
	if !bytes.HasPrefix(rest, []byte("\n")) {
		return nil, nil, false
	}
	rest = rest[1:]
	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
	if end < 0 {
		return nil, nil, false
	}
	meta = rest[:end+1]
	body = rest[end+1+len(frontMatterDelim)+1:]
	body = bytes.TrimPrefix(body, []byte("\r"))
	body = bytes.TrimPrefix(body, []byte("\n"))
	return meta, body, true
}
