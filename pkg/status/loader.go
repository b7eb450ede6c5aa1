package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidRuleFile is returned when a rule file cannot be decoded or names
// a status outside the canonical vocabulary.
var ErrInvalidRuleFile = errors.New("invalid rule file")

// LoadRuleSet reads rule files in the order given and builds a RuleSet using
// the built-in overrides and heuristics. A directory expands to the *.json
// files it contains, sorted by name.
func LoadRuleSet(paths ...string) (*RuleSet, error) {
	files, err := ExpandRulePaths(paths...)
	if err != nil {
		return nil, err
	}

	var keywords []Rule
	for _, file := range files {
		rules, err := LoadRuleFile(file)
		if err != nil {
			return nil, err
		}
		keywords = append(keywords, rules...)
	}

	return NewRuleSet(keywords, files...), nil
}

// ExpandRulePaths resolves directories into their sorted *.json entries while
// keeping the caller's order for explicit files.
func ExpandRulePaths(paths ...string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat rule path %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.json"))
		if err != nil {
			return nil, fmt.Errorf("failed to list rule directory %s: %w", p, err)
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}

// LoadRuleFile reads a single rule file.
func LoadRuleFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule file %s: %w", path, err)
	}
	defer f.Close()

	rules, err := DecodeRules(f, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// DecodeRules decodes a JSON object of the form {"STATUS": ["phrase", ...]}.
// Rules are returned in document order. A status may also map to a single
// phrase string.
func DecodeRules(r io.Reader, source string) ([]Rule, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleFile, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidRuleFile)
	}

	var rules []Rule
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRuleFile, err)
		}
		key, _ := tok.(string)

		st, ok := Parse(key)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRuleFile, key)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: status %s: %v", ErrInvalidRuleFile, key, err)
		}
		phrases, err := decodePhrases(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: status %s: %v", ErrInvalidRuleFile, key, err)
		}

		for _, phrase := range phrases {
			if strings.TrimSpace(phrase) == "" {
				continue
			}
			rules = append(rules, Rule{Phrase: phrase, Status: st, Source: source})
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleFile, err)
	}
	return rules, nil
}

func decodePhrases(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, errors.New("expected a list of phrases")
	}
	return []string{single}, nil
}
