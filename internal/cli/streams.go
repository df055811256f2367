package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/Sternrassler/ledger-extract/pkg/streams"
	"github.com/spf13/cobra"
)

// catalogEntry is the discovery form of a stream.
type catalogEntry struct {
	Stream        string         `json:"stream"`
	Description   string         `json:"description"`
	KeyProperties []string       `json:"key_properties"`
	SortKey       string         `json:"sort_key"`
	Partitioned   bool           `json:"partitioned_by_period"`
	Incremental   bool           `json:"incremental"`
	Schema        map[string]any `json:"schema"`
}

func newStreamsCmd() *cobra.Command {
	var asJSON bool

	streamsCmd := &cobra.Command{
		Use:   "streams [name...]",
		Short: "List the available streams and their schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := streams.Default().Select(args)
			if err != nil {
				return err
			}
			if asJSON {
				return writeCatalog(cmd, selected)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STREAM\tKEY\tSORT KEY\tPERIODS\tINCREMENTAL")
			for _, s := range selected {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n",
					s.Name,
					strings.Join(s.Schema.Key, ","),
					s.Schema.SortKey,
					s.Partitionable(),
					s.Incremental())
			}
			return w.Flush()
		},
	}

	streamsCmd.Flags().BoolVar(&asJSON, "json", false, "Print the catalog with JSON schemas")

	return streamsCmd
}

func writeCatalog(cmd *cobra.Command, selected []streams.Stream) error {
	entries := make([]catalogEntry, 0, len(selected))
	for _, s := range selected {
		entries = append(entries, catalogEntry{
			Stream:        s.Name,
			Description:   s.Description,
			KeyProperties: s.Schema.Key,
			SortKey:       s.Schema.SortKey,
			Partitioned:   s.Partitionable(),
			Incremental:   s.Incremental(),
			Schema:        s.Schema.JSONSchema(),
		})
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"streams": entries})
}
