package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/harun/laneq/internal/config"
	"github.com/harun/laneq/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var lanesCmd = &cobra.Command{
	Use:   "lanes",
	Short: "List configured lanes",
	Long: `List the lanes and dynamic lane rules the daemon would register from the
current configuration, in scheduling order.`,
	RunE: runLanes,
}

func init() {
	rootCmd.AddCommand(lanesCmd)
}

func runLanes(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return printLanes(cmd.OutOrStdout(), cfg)
}

func printLanes(out io.Writer, cfg *config.Config) error {
	queue, err := cfg.ApplyLanes(commandqueue.NewBuilder().WithLogger(zerolog.Nop())).Build()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LANE\tPRIORITY\tMIN\tMAX")
	for _, lane := range queue.Lanes() {
		c := lane.Config()
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", lane.ID(), lane.Priority(), c.MinConcurrency, c.MaxConcurrency)
	}
	for _, rule := range queue.DynamicRules() {
		fmt.Fprintf(w, "%s*\t%d\t%d\t%d\n", rule.Prefix, rule.Priority, rule.Config.MinConcurrency, rule.Config.MaxConcurrency)
	}
	return w.Flush()
}
