package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"layoutfixd/internal/store"
)

var (
	repliesLimit int
	repliesJSON  bool
)

// ledgerLister and ledgerPruner are implemented by stores that keep the
// reply ledger on disk.
type ledgerLister interface {
	ListReplies(ctx context.Context, limit int) ([]store.Reply, error)
}

type ledgerPruner interface {
	PruneReplies(ctx context.Context, seq int64) (int64, error)
}

var repliesCmd = &cobra.Command{
	Use:   "replies",
	Short: "List recently sent replies",
	Long: `Prints the newest entries of the reply ledger kept in the SQLite store.
The daemon may be running; the store is opened read-write with the configured
busy timeout.`,
	Args: cobra.NoArgs,
	RunE: runReplies,
}

func init() {
	repliesCmd.Flags().IntVarP(&repliesLimit, "limit", "n", 20, "Number of entries to show")
	repliesCmd.Flags().BoolVar(&repliesJSON, "json", false, "Print entries as JSON")
}

type replyEntry struct {
	Sequence       int64     `json:"update_id"`
	ConversationID int64     `json:"chat_id"`
	MessageID      int64     `json:"message_id"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}

func runReplies(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Type != "sqlite" {
		return fmt.Errorf("storage type %q keeps no ledger on disk", cfg.Storage.Type)
	}
	if repliesLimit < 1 {
		return fmt.Errorf("--limit must be at least 1")
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	lister, ok := db.(ledgerLister)
	if !ok {
		return fmt.Errorf("storage type %q cannot list replies", cfg.Storage.Type)
	}
	replies, err := lister.ListReplies(cmd.Context(), repliesLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if repliesJSON {
		entries := make([]replyEntry, 0, len(replies))
		for _, r := range replies {
			entries = append(entries, replyEntry(r))
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(replies) == 0 {
		fmt.Fprintln(out, "no replies recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UPDATE\tCHAT\tMESSAGE\tSENT\tTEXT")
	for _, r := range replies {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\n",
			r.Sequence, r.ConversationID, r.MessageID, r.SentAt.Local().Format(time.DateTime), r.Text)
	}
	return tw.Flush()
}
