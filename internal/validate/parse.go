package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// maxExtractedErrors caps how many diagnostics a single check keeps.
const maxExtractedErrors = 50

// maxFailureLines caps how much test output is fed back to the next
// generation prompt.
const maxFailureLines = 20

var (
	tscErrorRe   = regexp.MustCompile(`(?m)^(.+)\((\d+),(\d+)\): error TS(\d+): (.+)$`)
	nodeLocRe    = regexp.MustCompile(`^(.+):(\d+)$`)
	pyFileRe     = regexp.MustCompile(`File "(.+)", line (\d+)`)
	goErrLineRe  = regexp.MustCompile(`(?m)^(.+\.go:\d+:\d+: .+)$`)
	testPassRe   = regexp.MustCompile(`(?i)(\d+)\s+(?:tests? )?pass(?:ed|ing)`)
	testFailRe   = regexp.MustCompile(`(?i)(\d+)\s+(?:tests? )?fail(?:ed|ing)`)
	testMarkerRe = regexp.MustCompile(`✕|✗|AssertionError|FAIL\b|Error:`)
)

// splitTscErrors partitions tsc diagnostics into syntax errors
// (TS1xxx grammar codes) and type errors (TS2xxx and above).
func splitTscErrors(output string) (syntaxErrs, typeErrs []string) {
	for _, m := range tscErrorRe.FindAllStringSubmatch(output, -1) {
		if len(syntaxErrs)+len(typeErrs) >= maxExtractedErrors {
			break
		}
		line := fmt.Sprintf("%s(%s,%s): error TS%s: %s", m[1], m[2], m[3], m[4], m[5])
		code, _ := strconv.Atoi(m[4])
		if code < 2000 {
			syntaxErrs = append(syntaxErrs, line)
		} else {
			typeErrs = append(typeErrs, line)
		}
	}
	return syntaxErrs, typeErrs
}

// extractNodeSyntaxErrors pulls "file:line: SyntaxError" entries out
// of node --check stderr.
func extractNodeSyntaxErrors(file, output string) []string {
	var errs []string
	line := ""
	for _, raw := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(raw)
		if m := nodeLocRe.FindStringSubmatch(trimmed); m != nil {
			line = m[2]
			continue
		}
		if strings.HasPrefix(trimmed, "SyntaxError") {
			if line != "" {
				errs = append(errs, fmt.Sprintf("%s:%s: %s", file, line, trimmed))
			} else {
				errs = append(errs, fmt.Sprintf("%s: %s", file, trimmed))
			}
		}
	}
	if len(errs) == 0 {
		errs = []string{fmt.Sprintf("%s: syntax check failed", file)}
	}
	return errs
}

// extractPythonSyntaxErrors pulls "file:line: SyntaxError" entries
// out of py_compile and compileall output.
func extractPythonSyntaxErrors(output string) []string {
	var errs []string
	file, line := "", ""
	for _, raw := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(raw)
		if m := pyFileRe.FindStringSubmatch(trimmed); m != nil {
			file, line = m[1], m[2]
			continue
		}
		if strings.HasPrefix(trimmed, "SyntaxError") || strings.HasPrefix(trimmed, "IndentationError") {
			if file != "" {
				errs = append(errs, fmt.Sprintf("%s:%s: %s", file, line, trimmed))
			} else {
				errs = append(errs, trimmed)
			}
		}
	}
	if len(errs) == 0 {
		errs = []string{"python syntax check failed"}
	}
	return errs
}

// extractBuildErrors keeps the diagnostic lines of a failed build.
func extractBuildErrors(kind, output string) []string {
	var errs []string
	switch kind {
	case toolchainGo:
		for _, m := range goErrLineRe.FindAllStringSubmatch(output, -1) {
			errs = append(errs, m[1])
			if len(errs) >= maxExtractedErrors {
				break
			}
		}
	case toolchainRust:
		for _, raw := range strings.Split(output, "\n") {
			trimmed := strings.TrimSpace(raw)
			if strings.HasPrefix(trimmed, "error") {
				errs = append(errs, trimmed)
				if len(errs) >= maxExtractedErrors {
					break
				}
			}
		}
	}
	if len(errs) == 0 {
		errs = tailLines(output, maxFailureLines)
	}
	if len(errs) == 0 {
		errs = []string{"build failed"}
	}
	return errs
}

// parseTestCounts reads pass/fail totals out of runner output. It
// understands go test verbose markers, jest/vitest "Tests:" summary
// lines, and the "N passed" / "N failing" phrasing shared by pytest
// and mocha.
func parseTestCounts(output string) (passed, failed int, ok bool) {
	goPass := strings.Count(output, "--- PASS:")
	goFail := strings.Count(output, "--- FAIL:")
	if goPass+goFail > 0 {
		return goPass, goFail, true
	}

	for _, raw := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(raw)
		if !strings.HasPrefix(trimmed, "Tests:") {
			continue
		}
		return countsFrom(trimmed)
	}
	return countsFrom(output)
}

func countsFrom(s string) (passed, failed int, ok bool) {
	if m := testPassRe.FindStringSubmatch(s); m != nil {
		passed, _ = strconv.Atoi(m[1])
		ok = true
	}
	if m := testFailRe.FindStringSubmatch(s); m != nil {
		failed, _ = strconv.Atoi(m[1])
		ok = true
	}
	return passed, failed, ok
}

// extractTestFailureLines keeps the lines that name failing tests or
// assertion errors.
func extractTestFailureLines(output string) []string {
	var lines []string
	for _, raw := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if testMarkerRe.MatchString(trimmed) {
			lines = append(lines, trimmed)
			if len(lines) >= maxFailureLines {
				break
			}
		}
	}
	return lines
}

func tailLines(output string, n int) []string {
	var lines []string
	for _, raw := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
