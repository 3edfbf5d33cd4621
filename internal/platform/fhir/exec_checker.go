package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrCheckerUnavailable is returned when the structural validator process
// cannot be started or crashes.
var ErrCheckerUnavailable = errors.New("structural validator unavailable")

// ExecChecker runs an external structural validator as a child process per
// check. The resource is written to stdin and the process must print an
// OperationOutcome as JSON on stdout. The placeholder {version} in the
// arguments is replaced with the FHIR version.
type ExecChecker struct {
	path string
	args []string
}

// NewExecChecker parses a command line such as
// "java -jar validator_cli.jar -version {version} -output-style json -".
func NewExecChecker(command string) (*ExecChecker, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("structural validator command is empty")
	}
	return &ExecChecker{path: fields[0], args: fields[1:]}, nil
}

func (c *ExecChecker) Check(ctx context.Context, resource []byte, fhirVersion string) ([]OperationOutcomeIssue, error) {
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = strings.ReplaceAll(a, "{version}", fhirVersion)
	}

	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Stdin = bytes.NewReader(resource)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var oo OperationOutcome
	if err := json.Unmarshal(stdout.Bytes(), &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		// A validator reporting errors commonly exits non-zero, so the exit
		// status only matters when no outcome was produced.
		if runErr != nil {
			return nil, fmt.Errorf("%w: %v: %s", ErrCheckerUnavailable, runErr, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: output is not an OperationOutcome", ErrCheckerUnavailable)
	}
	return oo.Issue, nil
}
