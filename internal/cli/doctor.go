package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/forumspy/internal/config"
	"github.com/ppiankov/forumspy/internal/forum"
	"github.com/ppiankov/forumspy/internal/harness"
)

var doctorOnline bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, storage and forum access",
	RunE:  doctorAction,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorOnline, "online", false, "also fetch the spy listing")
	rootCmd.AddCommand(doctorCmd)
}

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true
	ctx := commandContext(cmd)

	// Config dir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		printCheck(false, "config directory %s", configDir)
		ok = false
	} else {
		printCheck(true, "config directory %s", configDir)
	}

	// Config file
	cfg, err := config.Load(configDir)
	if err != nil {
		printCheck(false, "config.yaml: %v", err)
		return fmt.Errorf("some checks failed")
	}
	printCheck(true, "config.yaml (forum %s, %s destination, %s storage)",
		cfg.Forum.Root, cfg.Destination.Kind, cfg.Storage.Kind)

	// Webhook
	if err := cfg.RequireWebhook(); err != nil {
		printCheck(false, "webhook: %v", err)
		ok = false
	} else {
		printCheck(true, "webhook url from %s", cfg.Destination.WebhookURLEnv)
	}

	// Destination limits
	dest := destination(cfg.Destination)
	if err := dest.Validate(); err != nil {
		printCheck(false, "destination: %v", err)
		ok = false
	} else {
		printCheck(true, "destination limits (%d chars, %d attachments)", dest.MaxBodyLength, dest.MaxAttachments)
	}

	// Delivery store
	store, err := openStore(ctx, cfg)
	if err != nil {
		printCheck(false, "delivery store: %v", err)
		ok = false
	} else {
		stats, err := store.Stats(ctx)
		if err != nil {
			printCheck(false, "delivery store %s: %v", storeLocation(cfg), err)
			ok = false
		} else {
			printCheck(true, "delivery store %s (%d ids)", storeLocation(cfg), stats.Count)
		}
		_ = store.Close()
	}

	// Fixtures
	if infos, err := harness.List(fixturesPath(cfg)); err != nil || len(infos) == 0 {
		printInfo("no fixtures in %s (capture some with: forumspy fixture add)", fixturesPath(cfg))
	} else {
		printCheck(true, "%d fixtures in %s", len(infos), fixturesPath(cfg))
	}

	// Forum
	if doctorOnline {
		if err := checkForum(ctx, cfg); err != nil {
			printCheck(false, "forum: %v", err)
			ok = false
		} else {
			printCheck(true, "forum spy listing %s%s", cfg.Forum.Root, cfg.Forum.SpyPath)
		}
	}

	if !ok {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func checkForum(ctx context.Context, cfg *config.Config) error {
	spy, err := newSpy(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Forum.Timeout.Duration+5*time.Second)
	defer cancel()

	doc, err := spy.Fetch(ctx)
	if err != nil {
		return err
	}
	frags, err := forum.Extract(doc)
	if err != nil {
		return err
	}
	if len(frags) == 0 {
		printInfo("spy listing is empty")
	}
	return nil
}

func printCheck(pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Printf("[INFO] %s\n", fmt.Sprintf(format, args...))
}
