package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/forumspy/internal/config"
	"github.com/ppiankov/forumspy/internal/tracker"
)

var (
	statusFormat string
	statusRecent int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show delivery state",
	RunE:  statusAction,
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "terminal", "output format: terminal, json")
	statusCmd.Flags().IntVar(&statusRecent, "recent", 5, "number of most recent post ids to show")
	rootCmd.AddCommand(statusCmd)
}

type deliveryStatus struct {
	Storage  string    `json:"storage"`
	Location string    `json:"location"`
	Count    int       `json:"count"`
	Retain   int       `json:"retain"`
	Last     time.Time `json:"last_delivered,omitzero"`
	Size     int64     `json:"size_bytes,omitempty"`
	Recent   []string  `json:"recent"`
	Corrupt  bool      `json:"corrupt,omitempty"`
}

func statusAction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open delivery store: %w", err)
	}
	defer func() { _ = store.Close() }()

	st := deliveryStatus{
		Storage:  cfg.Storage.Kind,
		Location: storeLocation(cfg),
		Retain:   cfg.Storage.Retain,
		Recent:   []string{},
	}

	ids, err := store.Load(ctx)
	switch {
	case errors.Is(err, tracker.ErrCorruptStore):
		st.Corrupt = true
	case err != nil:
		return fmt.Errorf("load delivery state: %w", err)
	default:
		if n := min(statusRecent, len(ids)); n > 0 {
			st.Recent = ids[len(ids)-n:]
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil && !st.Corrupt {
		return fmt.Errorf("delivery stats: %w", err)
	}
	st.Count, st.Last, st.Size = stats.Count, stats.Last, stats.Size

	switch statusFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "terminal", "":
		printStatus(os.Stdout, st, time.Now())
		return nil
	default:
		return fmt.Errorf("unknown format %q (want terminal or json)", statusFormat)
	}
}

func storeLocation(cfg *config.Config) string {
	if cfg.Storage.Kind == "redis" {
		return cfg.Storage.Redis.Addr + "/" + cfg.Storage.Redis.Key
	}
	return cfg.Resolve(cfg.Storage.Path)
}

func printStatus(w io.Writer, st deliveryStatus, now time.Time) {
	fmt.Fprintf(w, "Storage:   %s (%s)\n", st.Storage, st.Location)
	if st.Corrupt {
		fmt.Fprintln(w, "State:     corrupt; it will be reset on the next run")
		return
	}
	fmt.Fprintf(w, "Delivered: %d ids tracked (retain %d)\n", st.Count, st.Retain)
	if !st.Last.IsZero() {
		fmt.Fprintf(w, "Last:      %s\n", humanize.RelTime(st.Last, now, "ago", "from now"))
	}
	if st.Size > 0 {
		fmt.Fprintf(w, "Size:      %s\n", humanize.Bytes(uint64(st.Size)))
	}
	if len(st.Recent) > 0 {
		fmt.Fprintln(w, "Recent:")
		for i := len(st.Recent) - 1; i >= 0; i-- {
			fmt.Fprintf(w, "  %s\n", st.Recent[i])
		}
	}
}
