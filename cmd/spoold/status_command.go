package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"spool/internal/config"
	"spool/internal/store"
)

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/jobs", cfg.APIBind))
			if err != nil {
				return fmt.Errorf("is the daemon running? %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %s", resp.Status)
			}

			var jobs []*store.Job
			if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
				return fmt.Errorf("decode jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					strconv.FormatInt(job.ID, 10),
					job.DiscLabel,
					string(job.ContentType),
					renderJobState(job, colorizeOutput()),
					fmt.Sprintf("%.0f%%", job.ProgressPercent),
					job.DetectedTitle,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Disc", "Type", "State", "Progress", "Title"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
}

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

func renderJobState(job *store.Job, colorize bool) string {
	state := string(job.State)
	if !colorize {
		return state
	}
	switch job.State {
	case store.JobCompleted:
		return ansiGreen + state + ansiReset
	case store.JobFailed:
		return ansiRed + state + ansiReset
	case store.JobReviewNeeded:
		return ansiYellow + state + ansiReset
	default:
		return state
	}
}

func colorizeOutput() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
