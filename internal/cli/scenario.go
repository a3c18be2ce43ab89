package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Show bool
}

// ScenarioSummary is the JSON payload of the scenario command.
type ScenarioSummary struct {
	Results []*harness.Result `json:"results"`
	Passed  int               `json:"passed"`
	Failed  int               `json:"failed"`
	Total   int               `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>",
		Short: "Run offline sync scenarios against an in-memory engine",
		Long: `Run YAML scenarios that script connectivity changes, writes, sales,
server faults and drains against a fresh in-memory engine, then check
their expectations and assertions.

A directory runs every *.yaml file in it, in name order. Scenarios use a
virtual clock, so retry delays cost no wall time.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (file not found, invalid scenario)

Examples:
  tillsync scenario testdata/scenarios
  tillsync scenario offline_sale.yaml --show
  tillsync scenario testdata/scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Show, "show", false, "print the final trace and state of each scenario")

	return cmd
}

func runScenario(opts *ScenarioOptions, cmd *cobra.Command, path string) error {
	out := opts.formatter(cmd)

	scenarios, err := harness.LoadScenarios(path)
	if err != nil {
		return out.Fail(ExitCommandError, CodeScenario, "failed to load scenarios", err)
	}

	var runOpts []harness.Option
	if opts.Verbose {
		runOpts = append(runOpts, harness.WithLogger(opts.Logger))
	}

	summary := ScenarioSummary{Total: len(scenarios)}
	for _, s := range scenarios {
		out.VerboseLog("running %s", s.Name)
		result, err := harness.Run(s, runOpts...)
		if err != nil {
			return out.Fail(ExitCommandError, CodeScenario, fmt.Sprintf("scenario %s could not run", s.Name), err)
		}
		if result.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, result)
	}

	if err := out.Success(summary, func(w io.Writer) { writeScenarioText(w, summary, opts.Show) }); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", summary.Failed, summary.Total))
	}
	return nil
}

func writeScenarioText(w io.Writer, s ScenarioSummary, show bool) {
	for _, r := range s.Results {
		verdict := "PASS"
		if !r.Pass {
			verdict = "FAIL"
		}
		fmt.Fprintf(w, "%s %s\n", verdict, r.Name)
		if show {
			_, _ = w.Write(harness.Render(r))
			continue
		}
		for _, e := range r.Errors {
			fmt.Fprintf(w, "    %s\n", strings.ReplaceAll(strings.TrimSpace(e), "\n", "\n    "))
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", s.Passed, s.Failed, s.Total)
}
