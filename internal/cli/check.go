package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"caltrigger/internal/ics"
	"caltrigger/internal/model"
	"caltrigger/internal/transition"
)

var (
	checkFile     string
	checkAt       string
	checkTimezone string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Show the transitions a local calendar file would produce",
	Long: `Resolves transitions for a local .ics file at a given instant and prints
them as a table. Nothing is published and no store is touched.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkFile, "file", "", "Path to an .ics file (required)")
	checkCmd.Flags().StringVar(&checkAt, "at", "", "Reference instant, RFC 3339 (default now)")
	checkCmd.Flags().StringVar(&checkTimezone, "floating-timezone", "UTC", "Zone for date-times without TZID")
	_ = checkCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	now := time.Now().UTC()
	if checkAt != "" {
		t, err := time.Parse(time.RFC3339, checkAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		now = t
	}

	floating, err := time.LoadLocation(checkTimezone)
	if err != nil {
		return fmt.Errorf("--floating-timezone: %w", err)
	}

	body, err := os.ReadFile(checkFile)
	if err != nil {
		return err
	}
	doc, err := ics.ParseDocument(body)
	if err != nil {
		return err
	}
	res, err := transition.Detector{Floating: floating}.Detect(doc, now)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Transitions at %s\n\n", now.Format(time.RFC3339))
	if len(res.Starting) == 0 && len(res.Stopping) == 0 {
		fmt.Fprintln(out, "No transitions.")
		return nil
	}
	printTable(out, transitionRows(res))
	return nil
}

func transitionRows(res transition.Result) [][]string {
	rows := [][]string{{"DIRECTION", "START", "END", "SUMMARY", "LOCATION"}}
	add := func(d model.Direction, occs []model.Occurrence) {
		for _, o := range occs {
			rows = append(rows, []string{
				string(d),
				o.Start.Format(time.RFC3339),
				o.End.Format(time.RFC3339),
				o.Summary,
				o.Location,
			})
		}
	}
	add(model.DirectionStart, res.Starting)
	add(model.DirectionStop, res.Stopping)
	return rows
}

// printTable writes rows left-aligned in columns sized by display width,
// so wide (CJK, emoji) summaries still line up.
func printTable(w io.Writer, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if cw := runewidth.StringWidth(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	for _, row := range rows {
		var sb strings.Builder
		for i, cell := range row {
			sb.WriteString(cell)
			if i == len(row)-1 {
				break
			}
			sb.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell)+2))
		}
		fmt.Fprintln(w, strings.TrimRight(sb.String(), " "))
	}
}
