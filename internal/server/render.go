package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ia-eknorr/gitconfig-server/internal/environment"
)

// renderEnvironment serialises the merged property sources as the requested
// file format. Merging is first-source-wins, matching how clients consume
// the JSON form.
func renderEnvironment(env *environment.Environment, format string) ([]byte, string, error) {
	merged, keys := environment.MergeSources(env.PropertySources)

	switch format {
	case "properties":
		var b bytes.Buffer
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%v\n", k, merged[k])
		}
		return b.Bytes(), "text/plain; charset=utf-8", nil

	case "json":
		body, err := json.Marshal(unflatten(merged, keys))
		if err != nil {
			return nil, "", err
		}
		return body, "application/json", nil

	case "yml", "yaml":
		body, err := yaml.Marshal(unflatten(merged, keys))
		if err != nil {
			return nil, "", err
		}
		return body, "text/yaml; charset=utf-8", nil
	}
	return nil, "", fmt.Errorf("unsupported format %q", format)
}

// unflatten rebuilds a nested document from dotted keys. Array indices
// ("a.b[0]") become list entries; gaps in the indices are filled with nil.
func unflatten(flat map[string]any, keys []string) map[string]any {
	root := map[string]any{}
	for _, key := range keys {
		parts := strings.Split(key, ".")
		node := root
		for i, part := range parts {
			name, idx := splitIndex(part)
			last := i == len(parts)-1

			if idx < 0 {
				if last {
					node[name] = flat[key]
					break
				}
				child, ok := node[name].(map[string]any)
				if !ok {
					child = map[string]any{}
					node[name] = child
				}
				node = child
				continue
			}

			list, _ := node[name].([]any)
			for len(list) <= idx {
				list = append(list, nil)
			}
			if last {
				list[idx] = flat[key]
				node[name] = list
				break
			}
			child, ok := list[idx].(map[string]any)
			if !ok {
				child = map[string]any{}
				list[idx] = child
			}
			node[name] = list
			node = child
		}
	}
	return root
}

// splitIndex parses "name[3]" into ("name", 3); plain names return -1.
func splitIndex(part string) (string, int) {
	open := strings.IndexByte(part, '[')
	if open < 0 || !strings.HasSuffix(part, "]") {
		return part, -1
	}
	idx, err := strconv.Atoi(part[open+1 : len(part)-1])
	if err != nil || idx < 0 {
		return part, -1
	}
	return part[:open], idx
}
