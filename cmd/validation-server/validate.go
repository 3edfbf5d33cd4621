package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/settings"
)

func validateCmd() *cobra.Command {
	var file, settingsFile, serverID string
	var asOutcome bool
	cmd := &cobra.Command{
		Use:           "validate",
		Short:         "Validate one resource and print the outcome; exits 1 when invalid",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadProcessConfig()
			if err != nil {
				return err
			}
			s, err := loadSettings(settingsFile)
			if err != nil {
				return err
			}
			body, err := readInput(file)
			if err != nil {
				return err
			}
			content, err := validation.DecodeResource(body)
			if err != nil {
				return err
			}

			// Logs go to stderr so stdout carries only the outcome.
			logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			eng, err := buildEngine(ctx, cfg, s, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			out, err := eng.orchestrator.Validate(ctx, validation.NewResource(serverID, content), s)
			if err != nil {
				return err
			}
			if err := printOutcome(cmd.OutOrStdout(), out, asOutcome); err != nil {
				return err
			}
			if !out.IsValid {
				return errInvalid
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "resource JSON file (- for stdin)")
	cmd.Flags().StringVar(&settingsFile, "settings", "", "validation settings YAML (defaults when omitted)")
	cmd.Flags().StringVar(&serverID, "server", "", "server id used to resolve relative references")
	cmd.Flags().BoolVar(&asOutcome, "operation-outcome", false, "print a FHIR OperationOutcome instead of the full outcome")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect validation settings",
	}

	var file string
	hashCmd := &cobra.Command{
		Use:           "hash",
		Short:         "Print the normalized settings hash",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(file)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), s.Hash())
			return err
		},
	}
	hashCmd.Flags().StringVarP(&file, "file", "f", "", "validation settings YAML")
	_ = hashCmd.MarkFlagRequired("file")

	cmd.AddCommand(hashCmd)
	return cmd
}

func loadSettings(path string) (*validation.Settings, error) {
	if path == "" {
		s := validation.DefaultSettings()
		s.Normalize()
		return s, nil
	}
	return settings.LoadFile(path)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	return data, nil
}

func printOutcome(w io.Writer, out *validation.ValidationOutcome, asOutcome bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if asOutcome {
		return enc.Encode(validation.ToOperationOutcome(out))
	}
	return enc.Encode(out)
}
