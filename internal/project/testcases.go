package project

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// ExtractEnabled walks a decoded test-case tree depth-first and returns the
// key of every enabled leaf. A leaf has a children field holding an empty list.
func ExtractEnabled(tree any) []string {
	var keys []string
	var walk func(node any)
	walk = func(node any) {
		switch n := node.(type) {
		case []any:
			for _, item := range n {
				walk(item)
			}
		case map[string]any:
			children, hasChildren := n["children"].([]any)
			if enabled, _ := n["enable"].(bool); enabled && hasChildren && len(children) == 0 {
				if key, ok := n["key"].(string); ok {
					keys = append(keys, key)
				}
			}
			for _, child := range children {
				walk(child)
			}
		}
	}
	walk(tree)
	return keys
}

// ExtractEnabledJSON decodes data as a test-case tree and extracts its enabled leaves.
func ExtractEnabledJSON(data []byte) ([]string, error) {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "parse test case tree", err)
	}
	return ExtractEnabled(tree), nil
}

// LoadTestPlan reads a list of test case names from a JSON or YAML file.
// Accepted shapes: a list of names, an object with a "tests" list, or a
// test-case tree as saved from the application (enabled leaves are used).
func LoadTestPlan(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.CodeConfigNotFound, "test plan not found: "+path, err)
		}
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "read test plan", err)
	}

	// YAML is a superset of the JSON these files use.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "parse test plan "+path, err)
	}

	if m, ok := doc.(map[string]any); ok {
		if tests, ok := m["tests"]; ok {
			doc = tests
		}
	}

	if list, ok := doc.([]any); ok {
		names := make([]string, 0, len(list))
		allStrings := true
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				allStrings = false
				break
			}
			if s = strings.TrimSpace(s); s != "" {
				names = append(names, s)
			}
		}
		if allStrings {
			return names, nil
		}
	}

	names := ExtractEnabled(doc)
	if names == nil {
		return nil, apperrors.New(apperrors.CodeConfigInvalid, fmt.Sprintf("test plan %s lists no test cases", path))
	}
	return names, nil
}
