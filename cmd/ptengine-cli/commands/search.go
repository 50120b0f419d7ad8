package commands

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"ptengine/lib/search"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var searchCategory *[]string

func init() {
	searchCategory = searchCmd.Flags().StringArray("category", nil, "Category filter in key=value form; repeat for multi-select groups.")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search <site> <keywords...>",
	Short: "Searches a tracker site and prints the normalized results.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSite(args[0])
		if err != nil {
			return err
		}

		input := search.Input{Keywords: strings.Join(args[1:], " ")}
		for _, raw := range *searchCategory {
			key, value, found := strings.Cut(raw, "=")
			if !found {
				continue
			}
			input.Filters = append(input.Filters, search.FieldFilter{
				Key:   key,
				Value: strings.Split(value, ","),
			})
		}

		t1 := time.Now()
		result, err := s.Search(cmd.Context(), input)
		if err != nil {
			return err
		}
		slog.Info("search finished",
			"status", result.Status,
			"results", len(result.Data),
			"seconds", time.Since(t1).Seconds(),
		)

		w := table.NewWriter()
		w.SetOutputMirror(os.Stdout)
		w.AppendHeader(table.Row{"Title", "Size", "Seeders", "Leechers", "Time", "Category"})
		for _, t := range result.Data {
			w.AppendRow(table.Row{
				t.Title,
				humanize.IBytes(uint64(t.Size)),
				t.Seeders,
				t.Leechers,
				time.UnixMilli(t.Time).Format(time.DateOnly),
				t.Category,
			})
		}
		w.Render()
		return nil
	},
}
