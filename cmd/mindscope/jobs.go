package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kiranshivaraju/mindscope/pkg/models"
	"github.com/spf13/cobra"
)

func newSubmitCommand(flags *globalFlags) *cobra.Command {
	var (
		file   string
		userID string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an assessment and wait for its analysis",
		Example: `  mindscope submit -f scores.json
  cat scores.json | mindscope submit -f -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			e, err := loadEngine(cmd, flags)
			if err != nil {
				return err
			}
			defer e.Close()

			out, _, err := e.Service.Submit(cmd.Context(), userID, payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "assessment payload JSON file, - for stdin")
	cmd.Flags().StringVar(&userID, "user", "cli", "user the submission is attributed to")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newWatchCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch JOB_ID",
		Short: "Follow an existing job until its result is available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine(cmd, flags)
			if err != nil {
				return err
			}
			defer e.Close()

			token, err := e.Credentials.Token(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading credential: %w", err)
			}
			res, err := e.Monitor.Watch(cmd.Context(), args[0], token)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newResultCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "result RESULT_ID",
		Short: "Fetch a finished analysis result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine(cmd, flags)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Service.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the current status of a job once, without waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine(cmd, flags)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.Client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func readPayload(stdin io.Reader, file string) (models.AssessmentPayload, error) {
	var payload models.AssessmentPayload
	var r io.Reader = stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return payload, fmt.Errorf("opening payload: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return payload, fmt.Errorf("decoding payload: %w", err)
	}
	return payload, nil
}
