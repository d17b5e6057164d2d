// Package validate runs syntax, type, test, and build checks against
// a sandboxed working tree and folds the outcomes into one weighted
// score. The generation loop repeats until the score's checks all
// pass or its iteration budget runs out.
package validate

import (
	"context"
	"log/slog"
	"time"

	"github.com/patchsmith/patchsmith/internal/sandbox"
)

// Default timeouts per check kind.
const (
	DefaultCheckTimeout = 3 * time.Minute
	DefaultTestTimeout  = 5 * time.Minute
	DefaultBuildTimeout = 10 * time.Minute
)

// Scoring weights. Tests dominate; the build check gates AllPassed
// but carries no weight.
const (
	syntaxWeight = 0.2
	typesWeight  = 0.2
	testsWeight  = 0.6
)

// Runner is the slice of sandbox behaviour validation needs.
type Runner interface {
	RunCommand(ctx context.Context, cmd sandbox.Command) (*sandbox.CommandResult, error)
	ReadFile(rel string) (string, error)
}

// Options selects which checks run. Files scopes per-file syntax
// checks (node --check, py_compile) to the paths that changed.
type Options struct {
	CheckSyntax bool
	CheckTypes  bool
	RunTests    bool
	RunBuild    bool

	Files []string

	CheckTimeout time.Duration
	TestTimeout  time.Duration
	BuildTimeout time.Duration
}

// DefaultOptions is the conservative set the generation loop uses.
func DefaultOptions() Options {
	return Options{CheckSyntax: true, CheckTypes: true}
}

// Check is the outcome of one validation step.
type Check struct {
	Passed bool
	Errors []string
}

// TestCheck carries test counts on top of the pass/fail outcome.
// RunnerFound is false when no test runner was detected; such a check
// passes neutrally.
type TestCheck struct {
	Check
	TestsPassed int
	TestsFailed int
	RunnerFound bool
}

// Result is the aggregate of all requested checks. A nil check did
// not run.
type Result struct {
	AllPassed     bool
	Score         float64
	ErrorCount    int
	Syntax        *Check
	Types         *Check
	Tests         *TestCheck
	Build         *Check
	ExecutionTime time.Duration
}

// AllErrors returns every check's errors in check order, for feeding
// back into the next generation prompt.
func (r *Result) AllErrors() []string {
	var errs []string
	if r.Syntax != nil {
		errs = append(errs, r.Syntax.Errors...)
	}
	if r.Types != nil {
		errs = append(errs, r.Types.Errors...)
	}
	if r.Tests != nil {
		errs = append(errs, r.Tests.Errors...)
	}
	if r.Build != nil {
		errs = append(errs, r.Build.Errors...)
	}
	return errs
}

// Run executes the requested checks in order: syntax, types, tests,
// build. A syntax failure short-circuits everything after it and
// zeroes the score.
func Run(ctx context.Context, runner Runner, packageManager string, opts Options) (*Result, error) {
	applyDefaults(&opts)
	tc := detectToolchain(runner, packageManager)
	slog.Debug("validation_started", "toolchain", tc.kind, "package_manager", tc.pm)

	start := time.Now()
	res := &Result{}

	if opts.CheckSyntax {
		res.Syntax = tc.checkSyntax(ctx, runner, opts)
		if !res.Syntax.Passed {
			res.ErrorCount = countErrors(res)
			res.ExecutionTime = time.Since(start)
			slog.Warn("syntax_check_failed", "errors", len(res.Syntax.Errors))
			return res, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.CheckTypes {
		res.Types = tc.checkTypes(ctx, runner, opts)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.RunTests {
		res.Tests = tc.runTests(ctx, runner, opts)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.RunBuild {
		res.Build = tc.runBuild(ctx, runner, opts)
	}

	res.Score = scoreOf(res)
	res.AllPassed = allPassed(res)
	res.ErrorCount = countErrors(res)
	res.ExecutionTime = time.Since(start)
	slog.Info("validation_finished",
		"all_passed", res.AllPassed,
		"score", res.Score,
		"error_count", res.ErrorCount,
		"duration", res.ExecutionTime)
	return res, nil
}

func applyDefaults(opts *Options) {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = DefaultTestTimeout
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = DefaultBuildTimeout
	}
}

// scoreOf treats checks that did not run, and test runs with no
// runner, as contributing their full weight.
func scoreOf(res *Result) float64 {
	score := 0.0
	if res.Syntax == nil || res.Syntax.Passed {
		score += syntaxWeight
	}
	if res.Types == nil || res.Types.Passed {
		score += typesWeight
	}
	switch {
	case res.Tests == nil:
		score += testsWeight
	case res.Tests.TestsPassed+res.Tests.TestsFailed == 0:
		if res.Tests.Passed {
			score += testsWeight
		}
	default:
		total := res.Tests.TestsPassed + res.Tests.TestsFailed
		score += testsWeight * float64(res.Tests.TestsPassed) / float64(total)
	}
	return score
}

func allPassed(res *Result) bool {
	if res.Syntax != nil && !res.Syntax.Passed {
		return false
	}
	if res.Types != nil && !res.Types.Passed {
		return false
	}
	if res.Tests != nil && !res.Tests.Passed {
		return false
	}
	if res.Build != nil && !res.Build.Passed {
		return false
	}
	return true
}

func countErrors(res *Result) int {
	count := 0
	if res.Syntax != nil {
		count += len(res.Syntax.Errors)
	}
	if res.Types != nil {
		count += len(res.Types.Errors)
	}
	if res.Tests != nil {
		count += len(res.Tests.Errors)
	}
	if res.Build != nil {
		count += len(res.Build.Errors)
	}
	return count
}
