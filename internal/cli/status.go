package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/nebula/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the Nebula daemon is running and, when it is, the model and queue state it reports.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Message         string `json:"message"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	NotesCount      int    `json:"notesCount"`
	SessionsCount   int    `json:"sessionsCount"`
	Provider        string `json:"provider"`
	ModelConfigured bool   `json:"modelConfigured"`
	PendingTurns    int    `json:"pendingTurns"`
	RunningTurns    int    `json:"runningTurns"`
	EventClients    int    `json:"eventClients"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFilePath(cfg.Storage.DataDir)
	if !daemon.IsRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	var report statusReport
	if err := getJSON(cfg, "/api/status", &report); err != nil {
		fmt.Fprintf(out, "API: %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "API: %s\n", apiURL(cfg, ""))
	fmt.Fprintf(out, "Sessions: %d\n", report.SessionsCount)
	fmt.Fprintf(out, "Notes: %d\n", report.NotesCount)
	if report.ModelConfigured {
		fmt.Fprintf(out, "Model: %s\n", report.Provider)
	} else {
		fmt.Fprintln(out, "Model: not configured")
	}
	fmt.Fprintf(out, "Turns: %d running, %d pending\n", report.RunningTurns, report.PendingTurns)
	fmt.Fprintf(out, "Event clients: %d\n", report.EventClients)
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
