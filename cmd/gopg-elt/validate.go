package main

import (
	"fmt"
	"io"

	"github.com/fgeck/gopg-elt/internal/models"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Load and validate the configuration without contacting any database.`,
	Args:  cobra.NoArgs,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), cfg)
	return nil
}

func printSummary(w io.Writer, cfg *models.ELTConfig) {
	fmt.Fprintln(w, "Configuration is valid!")
	fmt.Fprintln(w)
	printTarget(w, "Source", cfg.Source)
	fmt.Fprintln(w)
	printTarget(w, "Destination", cfg.Destination)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Readiness:")
	fmt.Fprintf(w, "  Mode: %s\n", cfg.Readiness.Mode)
	fmt.Fprintf(w, "  Max attempts: %d\n", cfg.Readiness.MaxAttempts)
	fmt.Fprintf(w, "  Delay: %s\n", cfg.Readiness.Delay)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Artifact: %s\n", cfg.Artifact.Path)
	fmt.Fprintf(w, "Stop on error: %v\n", cfg.Load.StopOnError)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Optional Features:")
	fmt.Fprintf(w, "  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Fprintf(w, "  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.WOL != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "WOL Configuration:")
		fmt.Fprintf(w, "  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Fprintf(w, "  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
	}

	if cfg.Telegram != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Telegram Configuration:")
		fmt.Fprintf(w, "  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Fprintf(w, "  Bot Token: (configured)\n")
	}
}

func printTarget(w io.Writer, title string, t models.ConnectionTarget) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Host: %s\n", t.Host)
	fmt.Fprintf(w, "  Port: %d\n", t.Port)
	fmt.Fprintf(w, "  Database: %s\n", t.Database)
	fmt.Fprintf(w, "  User: %s\n", t.User)
	if t.Password != "" {
		fmt.Fprintf(w, "  Password: (configured)\n")
	} else {
		fmt.Fprintf(w, "  Password: (none)\n")
	}
}
