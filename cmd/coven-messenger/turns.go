// ABOUTME: turns command that prints recent coalesced turns from the ledger
// ABOUTME: Reads the SQLite database directly, so the server need not be running

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-messenger/internal/store"
)

func turnsCmd() *cobra.Command {
	var (
		sender string
		limit  int
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "turns",
		Short: "List recent turns from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Path == "" {
				return errors.New("database.path is not set; the turn ledger is disabled")
			}

			s, err := store.NewSQLiteStore(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer s.Close()

			params := store.ListTurnsParams{SenderID: sender, Limit: limit}
			if since > 0 {
				t := time.Now().Add(-since)
				params.Since = &t
			}

			turns, err := s.ListTurns(cmd.Context(), params)
			if err != nil {
				return fmt.Errorf("listing turns: %w", err)
			}
			printTurns(cmd.OutOrStdout(), turns)
			return nil
		},
	}

	cmd.Flags().StringVar(&sender, "sender", "", "only show turns for this sender id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of turns")
	cmd.Flags().DurationVar(&since, "since", 0, "only show turns flushed within this window (e.g. 1h)")
	return cmd
}

func printTurns(out io.Writer, turns []*store.Turn) {
	if len(turns) == 0 {
		fmt.Fprintln(out, color.YellowString("No turns recorded."))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FLUSHED\tSENDER\tMSGS\tTRIGGER\tTEXT\tREPLY")
	for _, t := range turns {
		reply := truncate(t.Reply, 40)
		if t.Error != "" {
			reply = color.RedString("error: %s", truncate(t.Error, 33))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			t.FlushedAt.Local().Format("2006-01-02 15:04:05"),
			t.SenderID,
			t.MessageCount,
			t.Trigger,
			truncate(t.Text, 40),
			reply,
		)
	}
	_ = w.Flush()
}

// truncate shortens s to n runes on one line.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ⏎ ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
