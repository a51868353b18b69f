package main

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	jsonx "wasp/internal/shared/json"
	"wasp/pkg/wasp"
)

// printable replaces file and reference values with plain descriptions.
func printable(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, child := range value {
			out[key] = printable(child)
		}
		return out
	case []wasp.Record:
		out := make([]any, len(value))
		for i, record := range value {
			out[i] = printable(record)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = printable(child)
		}
		return out
	case *wasp.FileValue:
		file := map[string]any{"file_id": value.FileID(), "name": value.Name()}
		if link := value.FileURL(); link != "" {
			file["url"] = link
		}
		return file
	case *wasp.ReferenceValue:
		return map[string]any{"collection": value.Collection(), "id": value.ID()}
	default:
		return v
	}
}

func render(out io.Writer, format string, v any) error {
	value := printable(v)
	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(value); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "json", "":
		data, err := jsonx.MarshalIndent(value, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func (c *CLI) render(v any) error {
	return render(c.out, c.settings.GetString("output"), v)
}

func (c *CLI) status(format string, args ...any) {
	fmt.Fprintln(c.errOut, green(fmt.Sprintf(format, args...)))
}
