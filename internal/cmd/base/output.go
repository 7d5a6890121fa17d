package base

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Render encodes v as indented JSON or as YAML. YAML output goes through
// JSON first so json tags and custom marshalers apply and key order is kept.
func Render(format string, v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode output: %w", err)
	}

	switch strings.ToLower(format) {
	case "", FormatJSON:
		return string(data), nil
	case FormatYAML:
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return "", fmt.Errorf("failed to encode output: %w", err)
		}
		blockStyle(&node)
		out, err := yaml.Marshal(&node)
		if err != nil {
			return "", fmt.Errorf("failed to encode output: %w", err)
		}
		return strings.TrimRight(string(out), "\n"), nil
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}
}

// blockStyle clears the flow style JSON input leaves on every node.
func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Style &^= yaml.DoubleQuotedStyle
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}
