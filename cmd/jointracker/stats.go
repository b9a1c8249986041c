package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/samcm/jointracker/internal/ledger"
	"github.com/samcm/jointracker/internal/tracker"
)

const boxWidth = 62

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print statistics from the local store",
}

var statsMemberCmd = &cobra.Command{
	Use:   "member <guild> <member>",
	Short: "Print a member's statistics",
	Args:  cobra.ExactArgs(2),
	RunE:  runStatsMember,
}

var statsPairCmd = &cobra.Command{
	Use:   "pair <guild> <a> <b>",
	Short: "Print the statistics between two members",
	Args:  cobra.ExactArgs(3),
	RunE:  runStatsPair,
}

func init() {
	statsCmd.PersistentFlags().BoolVar(&statsJSON, "json", false, "Print JSON instead of a table")
	statsCmd.AddCommand(statsMemberCmd, statsPairCmd)
}

// openManager opens the configured store for the query commands.
func openManager(cmd *cobra.Command) (*tracker.Manager, func(), error) {
	cfg, log, closeLog, err := setup()
	if err != nil {
		return nil, nil, err
	}

	st, err := openStore(cmd.Context(), log, cfg)
	if err != nil {
		closeLog()
		return nil, nil, err
	}

	manager := newLocalManager(log, cfg, st)

	return manager, func() {
		manager.Close()
		_ = st.Close()
		closeLog()
	}, nil
}

func runStatsMember(cmd *cobra.Command, args []string) error {
	manager, done, err := openManager(cmd)
	if err != nil {
		return err
	}
	defer done()

	stats, err := manager.MemberStats(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	if statsJSON {
		return printJSON(os.Stdout, stats)
	}

	printMember(os.Stdout, stats)

	return nil
}

func runStatsPair(cmd *cobra.Command, args []string) error {
	manager, done, err := openManager(cmd)
	if err != nil {
		return err
	}
	defer done()

	stats, err := manager.PairStats(cmd.Context(), args[0], args[1], args[2])
	if err != nil {
		return err
	}

	if statsJSON {
		return printJSON(os.Stdout, stats)
	}

	printPair(os.Stdout, stats)

	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func printMember(w io.Writer, stats ledger.MemberStats) {
	boxTop(w, "Member "+stats.MemberID)

	if stats.OptOut {
		boxLine(w, "Tracking: disabled")
	}

	boxLine(w, "Alone: "+formatDuration(seconds(stats.TotalSoloSeconds)))
	boxLine(w, fmt.Sprintf("Depressive episodes: %d (%s)",
		stats.DepressiveAttempts, formatDuration(seconds(stats.DepressiveSeconds))))

	boxRule(w)

	if len(stats.Partners) == 0 {
		boxLine(w, "No partners yet")
	}

	for _, p := range stats.Partners {
		boxLine(w, fmt.Sprintf("• %s  %s  in %d / out %d",
			truncate(p.PartnerID, 24), formatDuration(seconds(p.TotalSharedSeconds)), p.CallsIn, p.CallsOut))
	}

	boxBottom(w)
}

func printPair(w io.Writer, stats ledger.PairStats) {
	boxTop(w, fmt.Sprintf("%s ↔ %s", truncate(stats.MemberA, 24), truncate(stats.MemberB, 24)))

	boxLine(w, fmt.Sprintf("%s joined %s: %d", truncate(stats.MemberA, 24), truncate(stats.MemberB, 24), stats.CallsAtoB))
	boxLine(w, fmt.Sprintf("%s joined %s: %d", truncate(stats.MemberB, 24), truncate(stats.MemberA, 24), stats.CallsBtoA))
	boxLine(w, "Together: "+formatDuration(seconds(stats.TotalSharedSeconds)))

	boxBottom(w)
}

func boxTop(w io.Writer, title string) {
	title = truncate(title, boxWidth)
	padding := (boxWidth - len([]rune(title))) / 2

	fmt.Fprintln(w, "╔"+strings.Repeat("═", boxWidth)+"╗")
	fmt.Fprintf(w, "║%s%s%s║\n", strings.Repeat(" ", padding), title, strings.Repeat(" ", boxWidth-padding-len([]rune(title))))
	boxRule(w)
}

func boxRule(w io.Writer) {
	fmt.Fprintln(w, "╠"+strings.Repeat("═", boxWidth)+"╣")
}

func boxBottom(w io.Writer) {
	fmt.Fprintln(w, "╚"+strings.Repeat("═", boxWidth)+"╝")
}

func boxLine(w io.Writer, s string) {
	s = truncate(s, boxWidth-4)
	fmt.Fprintf(w, "║  %s%s  ║\n", s, strings.Repeat(" ", boxWidth-4-len([]rune(s))))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}

	return string(r[:max-3]) + "..."
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	}

	return fmt.Sprintf("%ds", int(d.Seconds()))
}
