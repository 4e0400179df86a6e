package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/forumspy/internal/config"
	"github.com/ppiankov/forumspy/internal/forum"
	"github.com/ppiankov/forumspy/internal/harness"
)

var (
	fixtureDir     string
	fixtureNoColor bool
	fixtureAll     bool
	fixtureForce   bool
)

var fixtureCmd = &cobra.Command{
	Use:   "fixture",
	Short: "Replay captured listings and compare with recorded output",
}

var fixtureTestCmd = &cobra.Command{
	Use:   "test [name...]",
	Short: "Run fixtures and report mismatches",
	RunE:  fixtureTestAction,
}

var fixtureUpdateCmd = &cobra.Command{
	Use:   "update [name...]",
	Short: "Record the current output as the expected output",
	RunE:  fixtureUpdateAction,
}

var fixtureAddCmd = &cobra.Command{
	Use:   "add <name> <post-number>...",
	Short: "Capture posts from the forum as a new fixture",
	Args:  cobra.MinimumNArgs(2),
	RunE:  fixtureAddAction,
}

var fixtureDeleteCmd = &cobra.Command{
	Use:   "delete <name>...",
	Short: "Delete fixtures",
	Args:  cobra.MinimumNArgs(1),
	RunE:  fixtureDeleteAction,
}

var fixtureListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fixtures",
	RunE:  fixtureListAction,
}

func init() {
	fixtureCmd.PersistentFlags().StringVar(&fixtureDir, "dir", "", "fixture directory (default: fixtures.dir from config)")
	fixtureTestCmd.Flags().BoolVar(&fixtureNoColor, "no-color", false, "disable ANSI colors")
	fixtureUpdateCmd.Flags().BoolVar(&fixtureAll, "all", false, "update every fixture")
	fixtureAddCmd.Flags().BoolVar(&fixtureForce, "force", false, "overwrite an existing fixture")

	fixtureCmd.AddCommand(fixtureTestCmd, fixtureUpdateCmd, fixtureAddCmd, fixtureDeleteCmd, fixtureListCmd)
	rootCmd.AddCommand(fixtureCmd)
}

func fixturesPath(cfg *config.Config) string {
	if fixtureDir != "" {
		return fixtureDir
	}
	return cfg.Resolve(cfg.Fixtures.Dir)
}

func newHarness(cfg *config.Config) (*harness.Harness, error) {
	p, err := newPipeline(cfg)
	if err != nil {
		return nil, err
	}
	return harness.New(p), nil
}

func fixtureTestAction(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	h, err := newHarness(cfg)
	if err != nil {
		return err
	}
	dir := fixturesPath(cfg)

	var fixtures []harness.Fixture
	if len(args) == 0 {
		fixtures, err = harness.Load(dir)
		if err != nil {
			return err
		}
	} else {
		for _, name := range args {
			f, err := harness.LoadOne(dir, name)
			if err != nil {
				return err
			}
			fixtures = append(fixtures, f)
		}
	}
	if len(fixtures) == 0 {
		fmt.Printf("No fixtures in %s.\n", dir)
		return nil
	}

	rep := h.Run(fixtures)
	harness.WriteReport(os.Stdout, rep, !fixtureNoColor && harness.ColorEnabled(os.Stdout))
	if !rep.Passed() {
		return fmt.Errorf("%d of %d fixtures failed", rep.Failed(), len(rep.Results))
	}
	return nil
}

func fixtureUpdateAction(_ *cobra.Command, args []string) error {
	if len(args) == 0 && !fixtureAll {
		return errors.New("name a fixture or pass --all")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	h, err := newHarness(cfg)
	if err != nil {
		return err
	}
	dir := fixturesPath(cfg)

	names := args
	if fixtureAll {
		names, err = harness.Names(dir)
		if err != nil {
			return err
		}
	}
	for _, name := range names {
		n, err := h.Update(dir, name)
		if err != nil {
			return err
		}
		fmt.Printf("  updated: %s (%d messages)\n", name, n)
	}
	return nil
}

func fixtureAddAction(cmd *cobra.Command, args []string) error {
	name := args[0]
	if err := harness.ValidateName(name); err != nil {
		return err
	}
	numbers := make([]int, 0, len(args)-1)
	for _, arg := range args[1:] {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return fmt.Errorf("post number %q is not a positive integer", arg)
		}
		numbers = append(numbers, n)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	h, err := newHarness(cfg)
	if err != nil {
		return err
	}
	spy, err := newSpy(cfg)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	entries := make([]forum.Entry, 0, len(numbers))
	for _, n := range numbers {
		e, err := spy.FetchPost(ctx, n)
		if err != nil {
			return fmt.Errorf("fetch post %d: %w", n, err)
		}
		entries = append(entries, e)
	}
	doc, err := harness.CaptureDocument(entries)
	if err != nil {
		return err
	}

	msgs, err := h.Add(fixturesPath(cfg), name, doc, fixtureForce)
	if err != nil {
		return err
	}
	fmt.Printf("Added fixture %s: %d posts, %d messages.\n", name, len(entries), msgs)
	return nil
}

func fixtureDeleteAction(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := fixturesPath(cfg)
	for _, name := range args {
		if err := harness.Delete(dir, name); err != nil {
			return err
		}
		fmt.Printf("  deleted: %s\n", name)
	}
	return nil
}

func fixtureListAction(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	infos, err := harness.List(fixturesPath(cfg))
	if err != nil {
		return err
	}
	harness.WriteList(os.Stdout, infos, time.Now())
	return nil
}
