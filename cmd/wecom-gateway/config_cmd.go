package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/wecom-gateway/internal/config"
	"github.com/mattjoyce/wecom-gateway/internal/doctor"
)

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and lock the gateway configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print a redacted summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lock",
		Short: "Record the config file's BLAKE3 hash in .checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Lock(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})

	var jsonOut bool
	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run deeper checks on the configuration and its environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.OutOrStdout(), *configPath, jsonOut)
		},
	}
	doctorCmd.Flags().BoolVar(&jsonOut, "json", false, "output the report as JSON")
	cmd.AddCommand(doctorCmd)

	return cmd
}

func runDoctor(w io.Writer, configPath string, jsonOut bool) error {
	absPath, err := config.ResolvePath(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(absPath)
	if err != nil {
		return err
	}

	result := doctor.New(cfg, absPath).Validate()
	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
	} else {
		fmt.Fprint(w, doctor.FormatHuman(result))
	}

	if !result.Valid {
		return fmt.Errorf("configuration has %d error(s)", len(result.Errors))
	}
	return nil
}

// printSummary never prints secret, token, encoding_aes_key or api keys.
func printSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "Configuration valid")
	fmt.Fprintf(w, "  listen:         %s\n", cfg.Service.Listen)
	fmt.Fprintf(w, "  callback path:  /webhooks/%s\n", cfg.WeCom.Channel)
	fmt.Fprintf(w, "  corp_id:        %s\n", cfg.WeCom.CorpID)
	fmt.Fprintf(w, "  agent_id:       %d\n", cfg.WeCom.AgentID)
	fmt.Fprintf(w, "  backend:        %s (timeout %s, max_concurrent %d)\n",
		cfg.Backend.Type, cfg.Backend.Timeout, cfg.Backend.MaxConcurrent)
	switch cfg.Backend.Type {
	case config.BackendSubprocess:
		fmt.Fprintf(w, "  command:        %s\n", cfg.Backend.Command)
	case config.BackendHTTP:
		fmt.Fprintf(w, "  url:            %s\n", cfg.Backend.URL)
	}
	if cfg.State.Path == "" {
		fmt.Fprintln(w, "  dedupe:         disabled")
	} else {
		fmt.Fprintf(w, "  dedupe:         %s (ttl %s)\n", cfg.State.Path, cfg.State.DedupeTTL)
	}
	metrics := "disabled"
	if cfg.Metrics.Enabled {
		metrics = "enabled"
		if cfg.Metrics.Token != "" {
			metrics += " (token required)"
		}
	}
	fmt.Fprintf(w, "  metrics:        %s\n", metrics)
}
