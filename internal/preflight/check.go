// Package preflight validates the runtime environment before serve and
// worker startup.
//
// The checks cover:
//   - Redis reachability (queue backend)
//   - Data directory writability and free disk space
//   - The SQLite installation registry
//   - LLM credentials
//   - File descriptor limits
//   - An optional embedding provider probe
//
// Use a Runner to execute and report all checks:
//
//	runner := preflight.NewRunner(checks)
//	results := runner.RunAll(ctx)
//	if runner.HasCriticalFailures(results) {
//	    // Abort startup
//	}
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Status represents the result of a preflight check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical problem.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// Result holds the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
	Required bool   `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r Result) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Check is one startup validation.
type Check interface {
	// Name identifies the check in output and logs.
	Name() string
	// Run executes the check. It must not panic and should honour ctx.
	Run(ctx context.Context) Result
}

// Runner executes a set of checks and reports the results.
type Runner struct {
	checks  []Check
	output  io.Writer
	verbose bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithVerbose enables detail lines in the printed report.
func WithVerbose(verbose bool) Option {
	return func(r *Runner) {
		r.verbose = verbose
	}
}

// WithOutput sets the report writer.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		r.output = w
	}
}

// NewRunner creates a Runner over the given checks.
func NewRunner(checks []Check, opts ...Option) *Runner {
	r := &Runner{
		checks: checks,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunAll runs every check in order and returns the results.
func (r *Runner) RunAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(r.checks))
	for _, check := range r.checks {
		results = append(results, check.Run(ctx))
	}
	return results
}

// HasCriticalFailures returns true if any required check failed.
func (r *Runner) HasCriticalFailures(results []Result) bool {
	for _, res := range results {
		if res.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns a summary status string for the results.
func (r *Runner) SummaryStatus(results []Result) string {
	hasWarnings := false
	hasCriticalFailure := false

	for _, res := range results {
		if res.IsCritical() {
			hasCriticalFailure = true
		}
		if res.Status == StatusWarn || (res.Status == StatusFail && !res.Required) {
			hasWarnings = true
		}
	}

	if hasCriticalFailure {
		return "failed"
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults prints check results to the configured output.
func (r *Runner) PrintResults(results []Result) {
	_, _ = fmt.Fprintln(r.output, "Patchsmith System Check")
	_, _ = fmt.Fprintln(r.output, "=======================")
	_, _ = fmt.Fprintln(r.output)

	for _, res := range results {
		_, _ = fmt.Fprintf(r.output, "[%s] %s: %s\n", res.Status, res.Name, res.Message)
		if r.verbose && res.Details != "" {
			_, _ = fmt.Fprintf(r.output, "      %s\n", res.Details)
		}
	}

	_, _ = fmt.Fprintln(r.output)
	_, _ = fmt.Fprintf(r.output, "Status: %s\n", strings.ToUpper(r.SummaryStatus(results)))

	var warnings, failures []string
	for _, res := range results {
		if res.IsCritical() {
			failures = append(failures, res.Name+": "+res.Message)
		} else if res.Status == StatusWarn {
			warnings = append(warnings, res.Name+": "+res.Message)
		}
	}

	if len(failures) > 0 {
		_, _ = fmt.Fprintln(r.output)
		_, _ = fmt.Fprintf(r.output, "%d error(s):\n", len(failures))
		for _, f := range failures {
			_, _ = fmt.Fprintf(r.output, "  - %s\n", f)
		}
	}

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(r.output)
		_, _ = fmt.Fprintf(r.output, "%d warning(s):\n", len(warnings))
		for _, w := range warnings {
			_, _ = fmt.Fprintf(r.output, "  - %s\n", w)
		}
	}
}
