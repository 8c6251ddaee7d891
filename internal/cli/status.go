package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/harun/laneq/internal/daemon"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the laneq daemon.
Queries the daemon's /healthz endpoint and prints scheduler state, per-lane
load and probe results. Falls back to the PID file when the endpoint is not reachable.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format (text, yaml, json)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	if cfg.Server.Enabled {
		health, err := fetchHealth("http://" + cfg.Server.Listen + "/healthz")
		if err == nil {
			return printHealth(out, health, statusOutput)
		}
		if daemon.IsRunning(pidFile) {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: health endpoint unreachable: %v\n", err)
		}
	}

	return printPIDStatus(out, pidFile)
}

func fetchHealth(url string) (*daemon.Health, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 503 still carries a body describing what is degraded
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var health daemon.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

func printHealth(out io.Writer, health *daemon.Health, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(health)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(health)
	case "text", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	fmt.Fprintf(out, "Status: %s\n", health.Status)
	fmt.Fprintf(out, "PID: %d\n", health.PID)
	fmt.Fprintf(out, "Uptime: %s\n", health.Uptime)
	fmt.Fprintf(out, "Scheduler: %s\n", health.Queue.Scheduler)
	fmt.Fprintf(out, "Pending: %d  Active: %d\n", health.Queue.TotalPending, health.Queue.TotalActive)
	fmt.Fprintf(out, "Stream clients: %d  Dropped events: %d\n", health.StreamClients, health.DroppedEvents)

	for _, r := range health.Probes {
		state := "healthy"
		if !r.Healthy {
			state = "unhealthy: " + r.Error
		}
		fmt.Fprintf(out, "Probe %s: %s\n", r.Name, state)
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LANE\tPRIORITY\tPENDING\tACTIVE\tMAX\tCOMPLETED")
	for _, ls := range health.Queue.PerLane {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", ls.LaneID, ls.Priority, ls.Pending, ls.Active, ls.MaxConcurrency, ls.Completed)
	}
	return w.Flush()
}

func printPIDStatus(out io.Writer, pidFile string) error {
	if !daemon.IsRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	// Get PID file modification time for uptime calculation
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
