package harness

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// ColorEnabled reports whether ANSI color should be written to f.
func ColorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type painter bool

func (p painter) wrap(code, s string) string {
	if !p {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func (p painter) bold(s string) string  { return p.wrap("1", s) }
func (p painter) green(s string) string { return p.wrap("32", s) }
func (p painter) red(s string) string   { return p.wrap("31", s) }
func (p painter) dim(s string) string   { return p.wrap("2", s) }

// WriteReport prints one line per fixture, the mismatches of failing ones
// and a summary.
func WriteReport(w io.Writer, rep Report, color bool) {
	p := painter(color)
	for _, res := range rep.Results {
		if res.Passed() {
			detail := fmt.Sprintf("%d messages", res.Messages)
			if res.Skipped > 0 {
				detail += fmt.Sprintf(", %d skipped", res.Skipped)
			}
			fmt.Fprintf(w, "%s %s %s\n", p.green("PASS"), res.Name, p.dim("("+detail+")"))
			continue
		}
		fmt.Fprintf(w, "%s %s\n", p.red("FAIL"), res.Name)
		if res.Err != nil {
			fmt.Fprintf(w, "    %v\n", res.Err)
		}
		for _, m := range res.Mismatches {
			fmt.Fprintf(w, "    %s\n", indent(m.String(), "      "))
		}
	}

	total := len(rep.Results)
	summary := fmt.Sprintf("%d fixtures, %d passed, %d failed", total, total-rep.Failed(), rep.Failed())
	if rep.Passed() {
		fmt.Fprintln(w, p.bold(summary))
	} else {
		fmt.Fprintln(w, p.bold(p.red(summary)))
	}
}

// WriteList prints one line per fixture with its size and age.
func WriteList(w io.Writer, infos []Info, now time.Time) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No fixtures.")
		return
	}
	for _, info := range infos {
		golden := "no golden"
		if info.HasGolden {
			golden = fmt.Sprintf("%d messages", info.Messages)
		}
		fmt.Fprintf(w, "  %-24s %8s  %-12s  %s\n",
			info.Name,
			humanize.Bytes(uint64(info.DocumentSize)),
			golden,
			humanize.RelTime(info.Modified, now, "ago", "from now"),
		)
	}
}

func indent(s, prefix string) string {
	s = strings.TrimRight(s, "\n")
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}
