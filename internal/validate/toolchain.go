package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/patchsmith/patchsmith/internal/sandbox"
)

const (
	toolchainTypeScript = "typescript"
	toolchainNode       = "node"
	toolchainPython     = "python"
	toolchainGo         = "go"
	toolchainRust       = "rust"
	toolchainRuby       = "ruby"
	toolchainUnknown    = "unknown"
)

// maxSyntaxFiles caps per-file syntax invocations.
const maxSyntaxFiles = 20

// toolchain binds check commands to what the working tree actually
// is. tsc output feeds both the syntax and the type check, so its
// single invocation is memoised.
type toolchain struct {
	kind string
	pm   string

	tscDone bool
	tscRes  *sandbox.CommandResult
	tscErr  error
}

func detectToolchain(runner Runner, packageManager string) *toolchain {
	pm := packageManager
	if pm == "" {
		pm = "npm"
	}
	switch pm {
	case "pip":
		return &toolchain{kind: toolchainPython, pm: pm}
	case "go":
		return &toolchain{kind: toolchainGo, pm: pm}
	case "cargo":
		return &toolchain{kind: toolchainRust, pm: pm}
	case "bundler":
		return &toolchain{kind: toolchainRuby, pm: pm}
	}
	if fileExists(runner, "tsconfig.json") {
		return &toolchain{kind: toolchainTypeScript, pm: pm}
	}
	if fileExists(runner, "package.json") {
		return &toolchain{kind: toolchainNode, pm: pm}
	}
	return &toolchain{kind: toolchainUnknown, pm: pm}
}

func fileExists(runner Runner, rel string) bool {
	_, err := runner.ReadFile(rel)
	return err == nil
}

func (tc *toolchain) tsc(ctx context.Context, runner Runner, opts Options) (*sandbox.CommandResult, error) {
	if !tc.tscDone {
		tc.tscDone = true
		tc.tscRes, tc.tscErr = runner.RunCommand(ctx, sandbox.Command{
			Name:    "npx",
			Args:    []string{"tsc", "--noEmit", "--pretty", "false"},
			Timeout: opts.CheckTimeout,
		})
	}
	return tc.tscRes, tc.tscErr
}

func (tc *toolchain) checkSyntax(ctx context.Context, runner Runner, opts Options) *Check {
	switch tc.kind {
	case toolchainTypeScript:
		res, err := tc.tsc(ctx, runner, opts)
		if err != nil {
			return &Check{Errors: []string{fmt.Sprintf("failed to run tsc: %v", err)}}
		}
		syntaxErrs, _ := splitTscErrors(res.Stdout + "\n" + res.Stderr)
		return &Check{Passed: len(syntaxErrs) == 0, Errors: syntaxErrs}

	case toolchainNode:
		return tc.nodeSyntax(ctx, runner, opts)

	case toolchainPython:
		return tc.pythonSyntax(ctx, runner, opts)

	default:
		// Compiled toolchains surface parse errors through build and
		// test runs.
		return &Check{Passed: true}
	}
}

func (tc *toolchain) nodeSyntax(ctx context.Context, runner Runner, opts Options) *Check {
	files := filterByExt(opts.Files, ".js", ".jsx", ".mjs", ".cjs")
	if len(files) == 0 {
		return &Check{Passed: true}
	}
	if len(files) > maxSyntaxFiles {
		files = files[:maxSyntaxFiles]
	}

	var errs []string
	for _, f := range files {
		res, err := runner.RunCommand(ctx, sandbox.Command{
			Name:    "node",
			Args:    []string{"--check", f},
			Timeout: opts.CheckTimeout,
		})
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		if res.Failed() {
			errs = append(errs, extractNodeSyntaxErrors(f, res.Stderr)...)
		}
	}
	return &Check{Passed: len(errs) == 0, Errors: errs}
}

func (tc *toolchain) pythonSyntax(ctx context.Context, runner Runner, opts Options) *Check {
	files := filterByExt(opts.Files, ".py")
	cmd := sandbox.Command{Name: "python3", Timeout: opts.CheckTimeout}
	if len(files) > 0 {
		if len(files) > maxSyntaxFiles {
			files = files[:maxSyntaxFiles]
		}
		cmd.Args = append([]string{"-m", "py_compile"}, files...)
	} else {
		cmd.Args = []string{"-m", "compileall", "-q", "."}
	}

	res, err := runner.RunCommand(ctx, cmd)
	if err != nil {
		return &Check{Errors: []string{fmt.Sprintf("failed to run python: %v", err)}}
	}
	if res.Failed() {
		return &Check{Errors: extractPythonSyntaxErrors(res.Stdout + "\n" + res.Stderr)}
	}
	return &Check{Passed: true}
}

func (tc *toolchain) checkTypes(ctx context.Context, runner Runner, opts Options) *Check {
	if tc.kind != toolchainTypeScript {
		return &Check{Passed: true}
	}
	res, err := tc.tsc(ctx, runner, opts)
	if err != nil {
		return &Check{Errors: []string{fmt.Sprintf("failed to run tsc: %v", err)}}
	}
	_, typeErrs := splitTscErrors(res.Stdout + "\n" + res.Stderr)
	return &Check{Passed: len(typeErrs) == 0, Errors: typeErrs}
}

func (tc *toolchain) runTests(ctx context.Context, runner Runner, opts Options) *TestCheck {
	cmd, found := tc.testCommand(runner)
	if !found {
		return &TestCheck{Check: Check{Passed: true}}
	}
	cmd.Timeout = opts.TestTimeout

	res, err := runner.RunCommand(ctx, cmd)
	if err != nil {
		return &TestCheck{
			Check:       Check{Errors: []string{fmt.Sprintf("failed to run tests: %v", err)}},
			RunnerFound: true,
		}
	}

	out := res.Stdout + "\n" + res.Stderr
	passed, failed, counted := parseTestCounts(out)
	if !counted {
		if res.Failed() {
			failed = 1
		} else {
			passed = 1
		}
	}

	check := Check{Passed: failed == 0 && !res.TimedOut}
	if res.TimedOut {
		check.Errors = append(check.Errors, "test run timed out")
	}
	if failed > 0 {
		lines := extractTestFailureLines(out)
		if len(lines) == 0 {
			lines = []string{fmt.Sprintf("%d tests failed", failed)}
		}
		check.Errors = append(check.Errors, lines...)
	}
	return &TestCheck{
		Check:       check,
		TestsPassed: passed,
		TestsFailed: failed,
		RunnerFound: true,
	}
}

func (tc *toolchain) testCommand(runner Runner) (sandbox.Command, bool) {
	switch tc.kind {
	case toolchainTypeScript, toolchainNode:
		if hasPackageScript(runner, "test") {
			return sandbox.Command{Name: tc.pm, Args: []string{"test"}}, true
		}
	case toolchainPython:
		if fileExists(runner, "pytest.ini") || pyprojectUsesPytest(runner) {
			return sandbox.Command{Name: "python3", Args: []string{"-m", "pytest", "-q"}}, true
		}
	case toolchainGo:
		return sandbox.Command{Name: "go", Args: []string{"test", "./..."}}, true
	case toolchainRust:
		return sandbox.Command{Name: "cargo", Args: []string{"test"}}, true
	case toolchainRuby:
		if gemfileUses(runner, "rspec") {
			return sandbox.Command{Name: "bundle", Args: []string{"exec", "rspec"}}, true
		}
	}
	return sandbox.Command{}, false
}

func (tc *toolchain) runBuild(ctx context.Context, runner Runner, opts Options) *Check {
	cmd, found := tc.buildCommand(runner)
	if !found {
		return &Check{Passed: true}
	}
	cmd.Timeout = opts.BuildTimeout

	res, err := runner.RunCommand(ctx, cmd)
	if err != nil {
		return &Check{Errors: []string{fmt.Sprintf("failed to run build: %v", err)}}
	}
	if res.Failed() {
		return &Check{Errors: extractBuildErrors(tc.kind, res.Stdout+"\n"+res.Stderr)}
	}
	return &Check{Passed: true}
}

func (tc *toolchain) buildCommand(runner Runner) (sandbox.Command, bool) {
	switch tc.kind {
	case toolchainTypeScript, toolchainNode:
		if hasPackageScript(runner, "build") {
			return sandbox.Command{Name: tc.pm, Args: []string{"run", "build"}}, true
		}
	case toolchainGo:
		return sandbox.Command{Name: "go", Args: []string{"build", "./..."}}, true
	case toolchainRust:
		return sandbox.Command{Name: "cargo", Args: []string{"build"}}, true
	}
	return sandbox.Command{}, false
}

func hasPackageScript(runner Runner, name string) bool {
	content, err := runner.ReadFile("package.json")
	if err != nil {
		return false
	}
	var manifest struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(content), &manifest); err != nil {
		return false
	}
	script, ok := manifest.Scripts[name]
	if !ok || script == "" {
		return false
	}
	return !strings.Contains(script, "no test specified")
}

func pyprojectUsesPytest(runner Runner) bool {
	content, err := runner.ReadFile("pyproject.toml")
	return err == nil && strings.Contains(content, "[tool.pytest")
}

func gemfileUses(runner Runner, gem string) bool {
	content, err := runner.ReadFile("Gemfile")
	return err == nil && strings.Contains(content, gem)
}

func filterByExt(files []string, exts ...string) []string {
	var kept []string
	for _, f := range files {
		ext := strings.ToLower(path.Ext(f))
		for _, want := range exts {
			if ext == want {
				kept = append(kept, f)
				break
			}
		}
	}
	return kept
}
