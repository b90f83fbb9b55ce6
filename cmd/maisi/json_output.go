package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML encodes v as YAML to the command's stdout.
func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// writeFormatted writes v as JSON or YAML, or calls text for the default
// format.
func writeFormatted(cmd *cobra.Command, format string, v any, text func() error) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", formatText:
		return text()
	case formatJSON:
		return writeJSON(cmd, v)
	case formatYAML:
		return writeYAML(cmd, v)
	default:
		return fmt.Errorf("unsupported output format %q (text, json, yaml)", format)
	}
}
