package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"chatgate/internal/config"
	"chatgate/internal/storage"
)

// newHistoryCmd inspects or resets the conversation log without starting the
// server.
func newHistoryCmd(load func() (*config.Config, error)) *cobra.Command {
	history := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear the conversation log",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the history as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ReadAll(cmd.Context())
			if err != nil {
				if !errors.Is(err, storage.ErrMalformedHistoryRecord) {
					return err
				}
				for _, bad := range storage.MalformedRecords(err) {
					slog.Warn("skipped malformed row", "row", bad.RowID, "err", bad.Err)
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, msg := range records.Messages() {
				if err := enc.Encode(msg); err != nil {
					return err
				}
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
			return nil
		},
	}

	history.AddCommand(list, clearCmd)
	return history
}
