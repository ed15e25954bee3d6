package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"layoutfixd/internal/config"
	"layoutfixd/internal/logging"
)

var statusJSON bool

// schemaReporter is implemented by stores with a versioned schema.
type schemaReporter interface {
	SchemaVersion(ctx context.Context) (int, error)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted state of the bot",
	Long: `Reports what the daemon has left on disk: the store schema version, the
saved cursor, the last reply, the log files and any crash reports. The daemon
does not need to be running.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status as JSON")
}

type statusReport struct {
	Config        string       `json:"config"`
	Storage       string       `json:"storage"`
	StorePath     string       `json:"store_path,omitempty"`
	StoreMissing  bool         `json:"store_missing,omitempty"`
	SchemaVersion int          `json:"schema_version,omitempty"`
	Cursor        int64        `json:"cursor"`
	LastReply     *replyEntry  `json:"last_reply,omitempty"`
	LogFiles      []string     `json:"log_files,omitempty"`
	Crashes       []crashEntry `json:"crashes,omitempty"`
}

type crashEntry struct {
	Time  time.Time `json:"time"`
	Panic string    `json:"panic"`
	Path  string    `json:"path"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	report := statusReport{
		Config:  resolveConfigPath(),
		Storage: cfg.Storage.Type,
	}
	if err := storeStatus(cmd.Context(), cfg, &report); err != nil {
		return err
	}

	if cfg.Logging.Output == "file" || cfg.Logging.Output == "both" {
		files, err := logging.LogFiles(cfg.Logging.FilePath)
		if err != nil {
			return fmt.Errorf("list log files: %w", err)
		}
		report.LogFiles = files
	}

	if cfg.Daemon.CrashDir != "" {
		crashes, err := logging.ReadCrashReports(cfg.Daemon.CrashDir)
		if err != nil {
			return fmt.Errorf("read crash reports: %w", err)
		}
		for _, c := range crashes {
			report.Crashes = append(report.Crashes, crashEntry{Time: c.Timestamp, Panic: c.PanicValue, Path: c.Path})
		}
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(out, &report)
	return nil
}

// storeStatus fills the store fields of r. A SQLite file that does not exist
// yet is reported as missing rather than created.
func storeStatus(ctx context.Context, cfg *config.Config, r *statusReport) error {
	if cfg.Storage.Type != "sqlite" {
		return nil
	}
	r.StorePath = cfg.Storage.Path
	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		r.StoreMissing = true
		return nil
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if s, ok := db.(schemaReporter); ok {
		if r.SchemaVersion, err = s.SchemaVersion(ctx); err != nil {
			return fmt.Errorf("schema version: %w", err)
		}
	}
	if r.Cursor, err = db.LoadCursor(ctx); err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if lister, ok := db.(ledgerLister); ok {
		replies, err := lister.ListReplies(ctx, 1)
		if err != nil {
			return fmt.Errorf("list replies: %w", err)
		}
		if len(replies) > 0 {
			last := replyEntry(replies[0])
			r.LastReply = &last
		}
	}
	return nil
}

func printStatus(w io.Writer, r *statusReport) {
	fmt.Fprintf(w, "config:     %s\n", r.Config)
	switch {
	case r.Storage != "sqlite":
		fmt.Fprintf(w, "storage:    %s (nothing persisted)\n", r.Storage)
	case r.StoreMissing:
		fmt.Fprintf(w, "storage:    sqlite %s (not created yet)\n", r.StorePath)
	default:
		fmt.Fprintf(w, "storage:    sqlite %s (schema v%d)\n", r.StorePath, r.SchemaVersion)
		fmt.Fprintf(w, "cursor:     %d\n", r.Cursor)
		if r.LastReply != nil {
			fmt.Fprintf(w, "last reply: update %d at %s: %s\n",
				r.LastReply.Sequence, r.LastReply.SentAt.Local().Format(time.DateTime), r.LastReply.Text)
		} else {
			fmt.Fprintln(w, "last reply: none")
		}
	}

	for _, f := range r.LogFiles {
		fmt.Fprintf(w, "log file:   %s\n", f)
	}

	if len(r.Crashes) == 0 {
		fmt.Fprintln(w, "crashes:    none")
		return
	}
	fmt.Fprintf(w, "crashes:    %d, newest %s: %s\n",
		len(r.Crashes), r.Crashes[0].Time.Local().Format(time.DateTime), r.Crashes[0].Panic)
}
