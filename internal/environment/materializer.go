package environment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileMaterializer reads property files from search paths and flattens them
// into ordered property sources. It understands .yml/.yaml, .properties,
// and .json files named after the application (or "application" for shared
// config), with optional -<profile> suffixes.
type FileMaterializer struct{}

var _ Materializer = FileMaterializer{}

var propertyExtensions = []string{".yml", ".yaml", ".properties", ".json"}

// Materialize walks the search paths in order and returns property sources
// most-specific first: within a path, profile-specific files beat plain
// ones and application files beat shared "application" files.
func (FileMaterializer) Materialize(searchPaths []string, application string, profiles []string) ([]PropertySource, error) {
	var sources []PropertySource
	for _, dir := range searchPaths {
		for _, base := range candidateBaseNames(application, profiles) {
			for _, ext := range propertyExtensions {
				path := filepath.Join(dir, base+ext)
				data, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				flat, err := flatten(data, ext)
				if err != nil {
					return nil, fmt.Errorf("reading %s: %w", path, err)
				}
				if len(flat) == 0 {
					continue
				}
				sources = append(sources, PropertySource{Name: path, Source: flat})
			}
		}
	}
	return sources, nil
}

// candidateBaseNames lists file stems most-specific first. Profiles are
// walked in reverse so the last profile listed wins.
func candidateBaseNames(application string, profiles []string) []string {
	var names []string
	for i := len(profiles) - 1; i >= 0; i-- {
		if profiles[i] == "default" {
			continue
		}
		names = append(names, application+"-"+profiles[i])
	}
	names = append(names, application)
	for i := len(profiles) - 1; i >= 0; i-- {
		if profiles[i] == "default" {
			continue
		}
		names = append(names, "application-"+profiles[i])
	}
	if application != "application" {
		names = append(names, "application")
	}
	return names
}

// flatten parses one property file into dotted key/value pairs.
func flatten(data []byte, ext string) (map[string]any, error) {
	switch ext {
	case ".yml", ".yaml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return flattenMap("", doc), nil
	case ".json":
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return flattenMap("", doc), nil
	case ".properties":
		return parseProperties(data), nil
	}
	return nil, fmt.Errorf("unsupported extension %s", ext)
}

func flattenMap(prefix string, in map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch child := v.(type) {
		case map[string]any:
			for ck, cv := range flattenMap(key, child) {
				out[ck] = cv
			}
		case []any:
			for i, item := range child {
				idxKey := fmt.Sprintf("%s[%d]", key, i)
				if m, ok := item.(map[string]any); ok {
					for ck, cv := range flattenMap(idxKey, m) {
						out[ck] = cv
					}
				} else {
					out[idxKey] = item
				}
			}
		default:
			out[key] = v
		}
	}
	return out
}

// parseProperties handles the simple line-oriented key=value format,
// ignoring blanks and comment lines.
func parseProperties(data []byte) map[string]any {
	out := map[string]any{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		sep := strings.IndexAny(line, "=:")
		if sep < 0 {
			continue
		}
		key := strings.TrimSpace(line[:sep])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(line[sep+1:])
	}
	return out
}

// MergeSources collapses ordered property sources into one flat map with
// first-source-wins semantics, plus the sorted key list for deterministic
// rendering.
func MergeSources(sources []PropertySource) (map[string]any, []string) {
	merged := map[string]any{}
	for _, ps := range sources {
		for k, v := range ps.Source {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return merged, keys
}
