package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fedlog/internal/config"
	"github.com/roach88/fedlog/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Steps  int      `json:"steps"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run federation scenarios",
		Long: `Run federation scenarios against in-process instances.

Each YAML file in the directory declares instances, a flow of
registrations, appends, pushes, pulls and partitions, and assertions on
the final state. When <scenarios-dir>/golden/<name>.golden exists the
trace must match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  fedlog test ./testdata/scenarios
  fedlog test ./testdata/scenarios --filter "partition*"
  fedlog test ./testdata/scenarios --update
  fedlog test ./testdata/scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	scenarioFiles, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	out := opts.formatter(cmd)
	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(scenarioFiles)),
		Total:     len(scenarioFiles),
	}
	if len(scenarioFiles) == 0 {
		return out.Success(result, func(w io.Writer) {
			fmt.Fprintln(w, "No scenarios found.")
		})
	}

	for _, scenarioFile := range scenarioFiles {
		res := runScenario(opts, scenarioFile, cmd)
		result.Scenarios = append(result.Scenarios, res)
		if res.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if result.Failed > 0 {
		msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
		if opts.Format == "json" {
			if err := out.Error("E_TEST_FAILED", msg, result); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
		}
		return NewExitError(ExitFailure, msg)
	}

	return out.Success(result, func(w io.Writer) {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
		fmt.Fprintln(w, "✓ All scenarios passed")
	})
}

// findScenarioFiles finds all YAML scenario files in a directory.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}

// runScenario executes a single scenario and reports it as it finishes.
func runScenario(opts *TestOptions, scenarioFile string, cmd *cobra.Command) ScenarioResult {
	res := scenarioOutcome(opts, scenarioFile, cmd)
	if opts.Format != "json" {
		w := cmd.OutOrStdout()
		if res.Pass {
			fmt.Fprintf(w, "✓ %s (%d steps)\n", res.Name, res.Steps)
		} else {
			fmt.Fprintf(w, "✗ %s\n", res.Name)
			for _, e := range res.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
	}
	return res
}

func scenarioOutcome(opts *TestOptions, scenarioFile string, cmd *cobra.Command) ScenarioResult {
	scenario, err := harness.LoadScenario(scenarioFile)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(scenarioFile),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	result, err := runHarness(cmd, scenario, opts.Verbose)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	res := ScenarioResult{Name: scenario.Name, Pass: result.Pass, Steps: len(result.Trace), Errors: result.Errors}
	if !res.Pass {
		return res
	}

	snapshot := harness.TraceSnapshot{ScenarioName: scenario.Name, Trace: result.Trace, Heads: result.Heads}
	data, err := snapshot.Marshal()
	if err != nil {
		res.Pass = false
		res.Errors = []string{fmt.Sprintf("failed to marshal trace: %v", err)}
		return res
	}

	goldenPath := goldenFilePath(scenarioFile)
	if opts.Update {
		if err := writeGolden(goldenPath, data); err != nil {
			res.Pass = false
			res.Errors = []string{fmt.Sprintf("failed to update golden file: %v", err)}
		}
		return res
	}

	want, err := os.ReadFile(goldenPath)
	switch {
	case os.IsNotExist(err):
		// No golden file: assertions alone decide.
	case err != nil:
		res.Pass = false
		res.Errors = []string{fmt.Sprintf("failed to read golden file: %v", err)}
	case !bytes.Equal(want, data):
		res.Pass = false
		res.Errors = []string{"trace does not match golden file (run with --update to regenerate)"}
	}
	return res
}

// runHarness runs scenario. With --verbose the instances log to stderr.
func runHarness(cmd *cobra.Command, scenario *harness.Scenario, verbose bool) (*harness.Result, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var hopts []harness.Option
	if verbose {
		logger, _ := newLogger(cmd.ErrOrStderr(), config.Log{}, true)
		hopts = append(hopts, harness.WithLogger(logger))
	}
	return harness.Run(ctx, scenario, hopts...)
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
