package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/folder-unzip/config"
	"github.com/dhcgn/folder-unzip/model"
	"github.com/dhcgn/folder-unzip/runner"
	"github.com/dhcgn/folder-unzip/stats"
)

// NewListCommand returns the list subcommand: it shows the messages of the
// folder and the attachments of the unread ones without downloading or
// marking anything.
func NewListCommand() *cobra.Command {
	var topN int

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the messages of the folder and the attachments waiting to be extracted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, config.List)
			if err != nil {
				return err
			}

			logger, cleanup, err := SetupLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			ctx, cancel := RunContext(cmd.Context(), cfg.Timeout)
			defer cancel()

			store, err := OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := runner.New(ctx, runner.Options{Path: model.ParseFolderPath(cfg.FolderPath), Root: RootOf(cfg)}, store, nil, logger)
			if err != nil {
				return fmt.Errorf("runner.New: %w", err)
			}
			listings, err := r.Inspect()
			if err != nil {
				return err
			}

			if err := PrintListings(cmd.OutOrStdout(), listings); err != nil {
				return err
			}

			types := AttachmentTypes(listings)
			if len(types) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\nTop %d attachment types:\n", topN)
				stats.PrettyPrintTop(types, topN)
			}
			return nil
		},
	}

	listCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of attachment types to display")
	return listCmd
}

// PrintListings renders one table row per message.
func PrintListings(w io.Writer, listings []runner.Listing) error {
	data := pterm.TableData{{"ID", "Received", "Read", "Subject", "Attachments"}}
	unread := 0
	for _, l := range listings {
		read := "no"
		if l.Message.Read {
			read = "yes"
		} else {
			unread++
		}
		received := ""
		if !l.Message.ReceivedAt.IsZero() {
			received = l.Message.ReceivedAt.Format("2006-01-02 15:04")
		}
		data = append(data, []string{l.Message.ID, received, read, l.Message.Subject, strings.Join(l.Attachments, ", ")})
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)
	fmt.Fprintf(w, "%d messages, %d unread\n", len(listings), unread)
	return nil
}

// AttachmentTypes counts the lower-cased extensions of all listed
// attachments.
func AttachmentTypes(listings []runner.Listing) map[string]int {
	counts := make(map[string]int)
	for _, l := range listings {
		for _, name := range l.Attachments {
			ext := strings.ToLower(filepath.Ext(name))
			if ext == "" {
				ext = "(none)"
			}
			counts[ext]++
		}
	}
	return counts
}
