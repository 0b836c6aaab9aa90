package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tdlink/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool
	Filter string
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult aggregates a test run.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r *TestResult) add(s ScenarioResult) {
	r.Scenarios = append(r.Scenarios, s)
	r.Total++
	if s.Pass {
		r.Passed++
	} else {
		r.Failed++
	}
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario files against the in-memory engine",
		Long: `Every *.yaml or *.yml file under the directory is a scenario. Each one
drives a client against a scripted in-memory engine and must meet its step
expectations and assertions. A scenario with a golden/<name>.golden file
beside it must also reproduce that trace exactly; --update rewrites the
golden files from the current run instead of comparing.

The command exits 1 when a scenario fails and 2 when the directory or
filter is unusable.`,
		Example: `  tdlink test ./scenarios --filter "login*"
  tdlink test ./scenarios --update --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden files from this run")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose name matches this glob")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}

	files, err := scenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	r := &scenarioRunner{opts: opts, cmd: cmd, out: cmd.OutOrStdout(), text: opts.Format != "json"}
	if len(files) == 0 && r.text {
		fmt.Fprintln(r.out, "No scenarios found.")
		return nil
	}

	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, file := range files {
		result.add(r.run(file))
	}
	return r.summarize(result)
}

// scenarioFiles walks dir for scenario files, keeping those whose base name
// matches filter when one is given.
func scenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

type scenarioRunner struct {
	opts *TestOptions
	cmd  *cobra.Command
	out  io.Writer
	text bool
}

func (r *scenarioRunner) pass(name, note string) ScenarioResult {
	if r.text {
		fmt.Fprintf(r.out, "✓ %s%s\n", name, note)
	}
	return ScenarioResult{Name: name, Pass: true}
}

func (r *scenarioRunner) fail(name string, errs ...string) ScenarioResult {
	if r.text {
		fmt.Fprintf(r.out, "✗ %s\n", name)
		for _, e := range errs {
			fmt.Fprintf(r.out, "  %s\n", e)
		}
	}
	return ScenarioResult{Name: name, Errors: errs}
}

func (r *scenarioRunner) run(file string) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return r.fail(filepath.Base(file), fmt.Sprintf("failed to load scenario: %v", err))
	}

	var runOpts []harness.Option
	if r.opts.Verbose {
		runOpts = append(runOpts, harness.WithLogger(newLogger(r.cmd.ErrOrStderr(), r.opts.RootOptions, nil)))
	}
	result, err := harness.Run(r.cmd.Context(), scenario, runOpts...)
	if err != nil {
		return r.fail(scenario.Name, fmt.Sprintf("execution failed: %v", err))
	}

	snapshot := &harness.TraceSnapshot{ScenarioName: scenario.Name, Trace: result.Trace}
	trace, err := snapshot.Canonical()
	if err != nil {
		return r.fail(scenario.Name, fmt.Sprintf("failed to marshal trace: %v", err))
	}
	golden := goldenPath(file)

	if r.opts.Update {
		if err := writeGolden(golden, trace); err != nil {
			return r.fail(scenario.Name, fmt.Sprintf("failed to update golden file: %v", err))
		}
		return r.pass(scenario.Name, " (golden updated)")
	}

	// Scenarios without a golden file are judged on their assertions alone.
	want, err := os.ReadFile(golden)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return r.fail(scenario.Name, fmt.Sprintf("golden comparison failed: %v", err))
	case string(want) != string(trace):
		return r.fail(scenario.Name, "trace does not match golden file (run with --update to regenerate)")
	}

	if !result.Pass {
		return r.fail(scenario.Name, result.Errors...)
	}
	return r.pass(scenario.Name, "")
}

func (r *scenarioRunner) summarize(result TestResult) error {
	var failed error
	if result.Failed > 0 {
		failed = NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	if !r.text {
		resp := CLIResponse{Status: "ok", Data: result}
		if failed != nil {
			resp.Status = "error"
			resp.Error = &CLIError{Code: ErrCodeScenario, Message: failed.Error()}
		}
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
		return failed
	}

	fmt.Fprintf(r.out, "\nTest Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if failed == nil {
		fmt.Fprintln(r.out, "✓ All scenarios passed")
	}
	return failed
}

// goldenPath maps scenarios/x.yaml to scenarios/golden/x.golden.
func goldenPath(file string) string {
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	return filepath.Join(filepath.Dir(file), "golden", name+".golden")
}

func writeGolden(path string, trace []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create golden directory: %w", err)
	}
	if err := os.WriteFile(path, trace, 0o644); err != nil {
		return fmt.Errorf("write golden file: %w", err)
	}
	return nil
}
