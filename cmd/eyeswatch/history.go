package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/eyeswatch/internal/config"
	"github.com/steveyegge/eyeswatch/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded comparison sessions",
	Long: `List the sessions recorded by runs started with --history, newest first.

--since accepts a timestamp (RFC 3339), a duration ("90m") or plain English
("yesterday", "last monday at 9am", "3 hours ago").

Examples:
  eyeswatch history --history runs.db
  eyeswatch history --history runs.db --since yesterday --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadViper(cmd)
		if err != nil {
			return err
		}
		path := v.GetString(config.KeyHistory)
		if path == "" {
			return &config.Error{Key: config.KeyHistory, Msg: "path of the history database is required"}
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("opening history: %w", err)
		}

		opts := history.ListOptions{}
		opts.Limit, _ = cmd.Flags().GetInt("limit")
		opts.RunID, _ = cmd.Flags().GetString("run")
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			opts.Since, err = parseSince(since, time.Now())
			if err != nil {
				return &config.Error{Key: "since", Msg: err.Error()}
			}
		}

		db, err := history.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		records, err := db.ListSessions(ctx, opts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		profile, width := termenv.Ascii, 0
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			profile = termenv.NewOutput(f).EnvColorProfile()
			if w, _, err := term.GetSize(int(f.Fd())); err == nil {
				width = w
			}
		}
		renderHistory(out, records, profile, width)
		return nil
	},
}

func init() {
	historyCmd.Flags().String("since", "", "only sessions started after this time")
	historyCmd.Flags().Int("limit", 50, "maximum number of sessions (0 for all)")
	historyCmd.Flags().String("run", "", "only sessions of this run (batch id)")
	rootCmd.AddCommand(historyCmd)
}

// parseSince turns a user supplied point in time into a timestamp relative
// to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand %q", text)
	}
	return r.Time, nil
}

// renderHistory writes records as a table styled for profile. A positive
// width caps the table width.
func renderHistory(w io.Writer, records []history.SessionRecord, profile termenv.Profile, width int) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return
	}

	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(profile)

	header := r.NewStyle().Bold(true).Padding(0, 1)
	cell := r.NewStyle().Padding(0, 1)
	verdictColors := map[string]lipgloss.Color{
		"pass":        lipgloss.Color("2"),
		"no-baseline": lipgloss.Color("6"),
		"fail":        lipgloss.Color("1"),
		"error":       lipgloss.Color("1"),
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Test,
			rec.State,
			rec.Trigger,
			rec.Verdict,
			strconv.Itoa(rec.Staged),
			strconv.Itoa(rec.Passed),
			strconv.Itoa(rec.Failed),
			strconv.Itoa(rec.Unresolved),
			rec.Error,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.NewStyle().Foreground(lipgloss.Color("8"))).
		Headers("STARTED", "TEST", "STATE", "ENDED BY", "VERDICT", "STAGED", "PASSED", "FAILED", "UNRESOLVED", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if col == 4 && row >= 0 && row < len(rows) {
				if c, ok := verdictColors[rows[row][4]]; ok {
					return cell.Foreground(c)
				}
			}
			return cell
		})
	if width > 0 {
		t = t.Width(width)
	}

	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%d session(s)\n", len(records))
}
