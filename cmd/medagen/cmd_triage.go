package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/medagen/medagen/internal/client"
	"github.com/medagen/medagen/internal/triage"
)

var (
	triageRemote bool

	triageCmd = &cobra.Command{
		Use:   "triage [file|-]",
		Short: "Classify a JSON symptom report with the triage rules",
		Long: `Reads a symptom report as JSON from a file, or stdin when the argument is
"-" or omitted, and prints the verdict. A report that can't be parsed is
evaluated as a severe-pain default and flagged fail_safe.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runTriage,
	}
)

func init() {
	triageCmd.Flags().BoolVar(&triageRemote, "remote", false, "Evaluate on the server instead of locally")
}

func runTriage(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args)
	if err != nil {
		return err
	}

	var res *client.TriageResult
	if triageRemote {
		res, err = triageOnServer(cmd, data)
		if err != nil {
			return err
		}
	} else {
		res = triageLocally(data)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	return data, nil
}

func triageLocally(data []byte) *client.TriageResult {
	v, err := triage.EvaluateJSON(data)
	res := &client.TriageResult{Verdict: v}
	if err != nil {
		logger.Warn("report rejected, evaluated fail-safe default", "err", err)
		res.FailSafe = true
		res.Error = err.Error()
	}
	return res
}

// triageOnServer posts a parsed report. Unparseable input never leaves
// the machine; it gets the local fail-safe verdict.
func triageOnServer(cmd *cobra.Command, data []byte) (*client.TriageResult, error) {
	in, err := triage.ParseInput(data)
	if err != nil {
		return triageLocally(data), nil
	}
	base, err := client.BaseURLFromStream(cfg.Client.URL)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	return client.NewHTTPClient(base, authToken).Triage(cmd.Context(), in)
}
