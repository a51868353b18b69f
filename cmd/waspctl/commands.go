package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	jsonx "wasp/internal/shared/json"
	"wasp/pkg/wasp"
)

// parseAssignments turns tag=value arguments into a nested record. Dotted
// tags nest; comma-separated values become any-of lists.
func parseAssignments(args []string) (wasp.Record, error) {
	record := wasp.Record{}
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected tag=value, got %q", arg)
		}
		var leaf any = value
		if strings.Contains(value, ",") {
			parts := strings.Split(value, ",")
			list := make([]any, len(parts))
			for i, part := range parts {
				list[i] = part
			}
			leaf = list
		}
		node := record
		segments := strings.Split(key, ".")
		for _, segment := range segments[:len(segments)-1] {
			child, ok := node[segment].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[segment] = child
			}
			node = child
		}
		node[segments[len(segments)-1]] = leaf
	}
	return record, nil
}

// readRecord decodes a JSON record from --data, or stdin when it is "-".
func readRecord(data string, stdin io.Reader) (wasp.Record, error) {
	if data == "" {
		return wasp.Record{}, nil
	}
	raw := []byte(data)
	if data == "-" {
		var err error
		if raw, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}
	var record wasp.Record
	if err := jsonx.UnmarshalNumbers(raw, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// attachFiles adds tag=path file arguments to record.
func attachFiles(record wasp.Record, files []string) error {
	for _, spec := range files {
		tag, path, found := strings.Cut(spec, "=")
		if !found || tag == "" || path == "" {
			return fmt.Errorf("expected tag=path, got %q", spec)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("attach %s: %w", tag, err)
		}
		record[tag] = wasp.NewFileValue(path, "")
	}
	return nil
}

func newFindCommand(cli *CLI) *cobra.Command {
	var allVersions bool
	cmd := &cobra.Command{
		Use:   "find <collection> [tag=value ...]",
		Short: "Find records matching tag filters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			records, err := client.FindRecords(cmd.Context(), args[0], filter, !allVersions)
			if err != nil {
				return err
			}
			cli.status("%d record(s)", len(records))
			return cli.render(records)
		},
	}
	cmd.Flags().BoolVar(&allVersions, "all-versions", false, "Include every version, not only the latest")
	return cmd
}

func newGetCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Show the latest version of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			record, err := client.FindRecordByID(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return cli.render(record)
		},
	}
}

func newAddCommand(cli *CLI) *cobra.Command {
	var (
		data  string
		files []string
	)
	cmd := &cobra.Command{
		Use:   "add <collection>",
		Short: "Create a record from JSON and file attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := readRecord(data, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := attachFiles(record, files); err != nil {
				return err
			}
			defer func() { _ = wasp.CloseRecord(record) }()

			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			created, err := client.AddRecord(cmd.Context(), args[0], record)
			if err != nil {
				return err
			}
			cli.status("created %s", wasp.RecordID(created))
			return cli.render(created)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "Record as JSON, or - to read stdin")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Attach a file as tag=path, repeatable")
	return cmd
}

func newUpdateCommand(cli *CLI) *cobra.Command {
	var (
		data   string
		files  []string
		remove []string
	)
	cmd := &cobra.Command{
		Use:   "update <collection> <id>",
		Short: "Update a mutable record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			update, err := readRecord(data, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := attachFiles(update, files); err != nil {
				return err
			}
			defer func() { _ = wasp.CloseRecord(update) }()

			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			updated, err := client.UpdateMutableRecord(cmd.Context(), args[0], args[1], update, remove)
			if err != nil {
				return err
			}
			cli.status("updated %s to version %d", args[1], wasp.RecordVersion(updated))
			return cli.render(updated)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "Tags to set as JSON, or - to read stdin")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Attach a file as tag=path, repeatable")
	cmd.Flags().StringSliceVar(&remove, "remove", nil, "Tags to delete")
	return cmd
}

func newMutabilityCommand(cli *CLI, use string, mutable bool) *cobra.Command {
	short := "Make a record immutable"
	if mutable {
		short = "Make a record mutable again"
	}
	return &cobra.Command{
		Use:   use + " <collection> <id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			toggle := client.SetImmutable
			if mutable {
				toggle = client.SetMutable
			}
			record, err := toggle(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return cli.render(record)
		},
	}
}

func newMetaCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "meta <collection> <id> tag=value...",
		Short: "Set metadata tags of a record",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			record, err := client.SetRecordMetadata(cmd.Context(), args[0], args[1], meta)
			if err != nil {
				return err
			}
			return cli.render(record)
		},
	}
}

func newHistoryCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "history <collection> <id>",
		Short: "List every version of a record, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			history, err := client.GetRecordHistory(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return cli.render(history)
		},
	}
}

func newDeleteCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a record and its history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			deleted, err := client.DeleteRecord(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("record %s was not deleted: no download endpoint configured", args[1])
			}
			cli.status("deleted %s", args[1])
			return nil
		},
	}
}

func newDownloadCommand(cli *CLI) *cobra.Command {
	var (
		dir  string
		name string
	)
	cmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Download a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			path, err := client.Download(cmd.Context(), args[0], dir, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cli.out, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Destination directory, which must exist")
	cmd.Flags().StringVar(&name, "name", "", "File name (default: the name the server sends)")
	return cmd
}

func newSchemaCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <collection>",
		Short: "Describe the tags of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			info, err := client.GetSystemInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, name := range info.Tags() {
				tag, _ := info.Tag(name)
				flags := []string{}
				if tag.IsKey {
					flags = append(flags, "key")
				}
				if tag.IsMandatory {
					flags = append(flags, "mandatory")
				}
				line := bold(name)
				if len(flags) > 0 {
					line += " " + gray("("+strings.Join(flags, ", ")+")")
				}
				if tag.DefaultValue != nil {
					line += fmt.Sprintf(" default=%v", tag.DefaultValue)
				}
				if len(tag.Select) > 0 {
					line += fmt.Sprintf(" one of %v", tag.Select)
				}
				fmt.Fprintln(cli.out, line)
			}
			return nil
		},
	}
}

func newViewCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "view <collection> [view]",
		Short: "Show the columns of a collection view",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			view := ""
			if len(args) == 2 {
				view = args[1]
			}
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			config, err := client.GetViewInfo(cmd.Context(), args[0], view)
			if err != nil {
				return err
			}
			for _, column := range config.Columns {
				fmt.Fprintf(cli.out, "%s\t%s\n", bold(column.Name), gray(column.CalculatePath))
			}
			return nil
		},
	}
}

func newTagValuesCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "values <collection> <tag>",
		Short: "List the values a tag has across a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			values, err := client.GetTagValues(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return cli.render(values)
		},
	}
}

func newActionCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "action <name> [param=value ...]",
		Short: "Run a server-side action",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			client, err := cli.connect(cmd.Context())
			if err != nil {
				return err
			}
			result, err := client.RunAction(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			return cli.render(result)
		},
	}
}

func newConfigCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print every setting with its source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cli.loadConfig(); err != nil {
				return err
			}
			cfg := cli.config
			token := ""
			if cfg.BearerToken != "" {
				token = "(set)"
			}
			rows := map[string]string{
				"server_urls":          strings.Join(cfg.ServerURLs, ","),
				"upload_urls":          strings.Join(cfg.UploadURLs, ","),
				"insecure_skip_verify": fmt.Sprint(cfg.InsecureSkipVerify),
				"proxy_mode":           cfg.ProxyMode,
				"retry_attempts":       fmt.Sprint(cfg.RetryAttempts),
				"retry_delay":          cfg.RetryDelay.String(),
				"bearer_token":         token,
				"reference_cache_size": fmt.Sprint(cfg.ReferenceCacheSize),
				"log_level":            cfg.LogLevel,
			}
			keys := make([]string, 0, len(rows))
			for key := range rows {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			if path := cli.meta.ConfigPath(); path != "" {
				fmt.Fprintf(cli.out, "%s %s\n", bold("file:"), path)
			}
			for _, key := range keys {
				fmt.Fprintf(cli.out, "%s = %s %s\n", bold(key), rows[key], gray("["+string(cli.meta.Source(key))+"]"))
			}
			return nil
		},
	})
	return cmd
}
