package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knoguchi/flashrag/internal/retriever"
	"gopkg.in/yaml.v3"
)

const maxLine = 16 << 20

var validate = validator.New()

// queryFile is the YAML batch layout.
type queryFile struct {
	Queries []string `yaml:"queries"`
}

// readQueries loads a YAML file ({queries: [...]} or a bare list) or JSON
// lines, where each line is a string or an object with a "query" field.
func readQueries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseQueryYAML(f)
	default:
		return parseQueryLines(f)
	}
}

func parseQueryYAML(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var qf queryFile
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}
	return qf.Queries, nil
}

func parseQueryLines(r io.Reader) ([]string, error) {
	var queries []string
	err := eachLine(r, func(n int, line []byte) error {
		if line[0] == '"' {
			var q string
			if err := json.Unmarshal(line, &q); err != nil {
				return fmt.Errorf("line %d: %w", n, err)
			}
			queries = append(queries, q)
			return nil
		}
		var obj struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(line, &obj); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		queries = append(queries, obj.Query)
		return nil
	})
	return queries, err
}

// readPassages loads JSON-lines passages, each with an id and text.
func readPassages(path string) ([]retriever.Passage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return parsePassages(f)
}

func parsePassages(r io.Reader) ([]retriever.Passage, error) {
	var passages []retriever.Passage
	seen := make(map[string]int)
	err := eachLine(r, func(n int, line []byte) error {
		var p retriever.Passage
		if err := json.Unmarshal(line, &p); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if prev, ok := seen[p.ID]; ok {
			return fmt.Errorf("line %d: duplicate passage id %q (first on line %d)", n, p.ID, prev)
		}
		seen[p.ID] = n
		passages = append(passages, p)
		return nil
	})
	return passages, err
}

// eachLine calls fn for every non-blank line, numbered from 1.
func eachLine(r io.Reader, fn func(n int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for scanner.Scan() {
		n++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
