package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-zip/config"
	"github.com/dhcgn/imap-to-zip/state"
)

const reportFile = "processed.csv"

// NewLedgerCommand returns the "ledger" subcommand, which lists the messages
// recorded as processed and optionally exports them as CSV.
func NewLedgerCommand() *cobra.Command {
	var (
		configPath string
		stateDir   string
		reportDir  string
	)

	command := &cobra.Command{
		Use:   "ledger",
		Short: "List the messages already extracted and archived",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stateDir == "" {
				dir, err := config.LoadStateDir(configPath, cmd.Flags().Changed("config"))
				if err != nil {
					return err
				}
				stateDir = dir
			}

			ledger, err := state.Open(stateDir, false)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer ledger.Close()

			entries := ledger.Entries()
			printEntries(cmd.OutOrStdout(), entries)

			if reportDir == "" {
				return nil
			}
			path, err := saveCSVReport(entries, reportDir)
			if err != nil {
				return fmt.Errorf("save report: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nReport saved to: %s\n", path)
			return nil
		},
	}

	command.Flags().StringVar(&configPath, "config", config.DefaultConfigFile, "Path to the YAML settings file naming other.state_dir")
	command.Flags().StringVar(&stateDir, "state-dir", "", "Directory holding the processed-message ledger (overrides the settings file)")
	command.Flags().StringVarP(&reportDir, "output", "o", "", "Write a CSV report into this directory")
	return command
}

func printEntries(w io.Writer, entries []state.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No processed messages.")
		return
	}
	fmt.Fprintf(w, "%d processed messages:\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-40s  <%s>\n", e.At.Local().Format(time.DateTime), truncate(e.Subject, 40), e.MessageID)
	}
}

func saveCSVReport(entries []state.Entry, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, reportFile)
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"ProcessedAt", "Subject", "MessageID"}); err != nil {
		file.Close()
		return "", err
	}
	for _, e := range entries {
		if err := writer.Write([]string{e.At.UTC().Format(time.RFC3339), e.Subject, e.MessageID}); err != nil {
			file.Close()
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return "", err
	}
	return path, file.Close()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
