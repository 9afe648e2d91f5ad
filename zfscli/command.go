package zfscli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"

	zfs "github.com/vansante/go-zfsabi"
)

const (
	// Binary is the default command name
	Binary = "zfs"

	notFoundMessage = "dataset does not exist"
)

// Runner executes a zfs command. When stdout is nil the tab separated output is returned line by line,
// otherwise it is streamed to stdout and nil is returned.
type Runner interface {
	Run(ctx context.Context, stdout io.Writer, args ...string) ([][]string, error)
}

// CommandError is returned when the zfs command exits with a non-zero exit code
type CommandError struct {
	Err    error
	Debug  string
	Stderr string
}

// Error returns the string representation of a CommandError
func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %q => %s", e.Err, e.Debug, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	if strings.Contains(e.Stderr, notFoundMessage) {
		return zfs.ErrDatasetNotFound
	}
	return e.Err
}

type command struct {
	Command string
}

// NewRunner returns a Runner executing the given binary, an empty name means Binary
func NewRunner(binary string) Runner {
	if binary == "" {
		binary = Binary
	}
	return &command{Command: binary}
}

func (c *command) Run(ctx context.Context, stdout io.Writer, arg ...string) ([][]string, error) {
	cmd := exec.CommandContext(ctx, c.Command, arg...)
	cmd.SysProcAttr = procAttributes()

	var out, stderr bytes.Buffer
	if stdout == nil {
		cmd.Stdout = &out
	} else {
		cmd.Stdout = stdout
	}
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return nil, &CommandError{
			Err:    err,
			Debug:  strings.Join(cmd.Args, " "),
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}

	// assume if you passed in something for stdout, that you know what to do with it
	if stdout != nil {
		return nil, nil
	}
	return splitOutput(out.String()), nil
}

// splitOutput splits scripted (-H) output. Fields are tab separated, so values may contain spaces.
func splitOutput(out string) [][]string {
	out = strings.TrimSuffix(out, "\n")
	if out == "" {
		return nil
	}

	lines := strings.Split(out, "\n")
	output := make([][]string, len(lines))
	for i, l := range lines {
		output[i] = strings.Split(l, "\t")
	}
	return output
}

var errUnexpectedOutput = errors.New("unexpected command output")

func expectFields(output [][]string, fields int) error {
	for _, line := range output {
		if len(line) != fields {
			return fmt.Errorf("%w: line with %d fields where %d were expected: %s",
				errUnexpectedOutput, len(line), fields, strings.Join(line, " "),
			)
		}
	}
	return nil
}

func propsSlice(properties map[string]string) []string {
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	args := make([]string, 0, len(properties)*2)
	for _, k := range keys {
		args = append(args, "-o", fmt.Sprintf("%s=%s", k, properties[k]))
	}
	return args
}
