// Package validate compares variables between output files of two steps,
// e.g. a run on one decomposition against a run on another.
package validate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/caseflow/internal/exec"
	"github.com/ShayCichocki/caseflow/internal/step"
)

// Comparator decides whether vars agree between two files.
type Comparator interface {
	Compare(ctx context.Context, fileA, fileB string, vars []string) error
}

// MismatchError reports the first disagreement found.
type MismatchError struct {
	Variable string
	FileA    string
	FileB    string
	// Index is the first offending element, or -1 for a shape mismatch.
	Index int
	A, B  float64
	// MaxDiff is the largest absolute difference over the whole variable.
	MaxDiff float64
	Detail  string
}

func (e *MismatchError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("variable %s differs between %s and %s: %s", e.Variable, e.FileA, e.FileB, e.Detail)
	}
	return fmt.Sprintf("variable %s differs between %s and %s at index %d: %g vs %g (max abs diff %g)",
		e.Variable, e.FileA, e.FileB, e.Index, e.A, e.B, e.MaxDiff)
}

// Tolerance bounds acceptable differences. Two values agree when
// |a-b| <= Absolute + Relative*|b|. The zero value demands bit equality.
type Tolerance struct {
	Absolute float64
	Relative float64
}

func (t Tolerance) agree(a, b float64) bool {
	if a == b {
		return true
	}
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) <= t.Absolute+t.Relative*math.Abs(b)
}

// VariableReader loads one variable of a file as a flat array.
type VariableReader interface {
	ReadVariable(path, name string) ([]float64, error)
}

// ArrayComparator compares variables in-process.
type ArrayComparator struct {
	Reader    VariableReader
	Tolerance Tolerance
	Logger    zerolog.Logger
}

// Compare checks every variable and returns the first mismatch.
func (c *ArrayComparator) Compare(ctx context.Context, fileA, fileB string, vars []string) error {
	for _, name := range vars {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, err := c.Reader.ReadVariable(fileA, name)
		if err != nil {
			return fmt.Errorf("read %s from %s: %w", name, fileA, err)
		}
		b, err := c.Reader.ReadVariable(fileB, name)
		if err != nil {
			return fmt.Errorf("read %s from %s: %w", name, fileB, err)
		}
		if err := c.compareArrays(name, fileA, fileB, a, b); err != nil {
			c.Logger.Debug().Err(err).Str("variable", name).Msg("comparison failed")
			return err
		}
		c.Logger.Debug().Str("variable", name).Int("len", len(a)).Msg("variable matches")
	}
	return nil
}

func (c *ArrayComparator) compareArrays(name, fileA, fileB string, a, b []float64) error {
	if len(a) != len(b) {
		return &MismatchError{
			Variable: name, FileA: fileA, FileB: fileB, Index: -1,
			Detail: fmt.Sprintf("length %d vs %d", len(a), len(b)),
		}
	}
	first := -1
	var maxDiff float64
	for i := range a {
		if c.Tolerance.agree(a[i], b[i]) {
			continue
		}
		if first < 0 {
			first = i
		}
		if d := math.Abs(a[i] - b[i]); d > maxDiff || math.IsNaN(d) {
			maxDiff = d
		}
	}
	if first < 0 {
		return nil
	}
	return &MismatchError{
		Variable: name, FileA: fileA, FileB: fileB,
		Index: first, A: a[first], B: b[first], MaxDiff: maxDiff,
	}
}

// CommandComparator runs an external tool:
//
//	<Executable> --variables v1,v2 <fileA> <fileB>
//
// A non-zero exit is a mismatch; its output becomes the detail.
type CommandComparator struct {
	Runner     exec.CommandRunner
	Executable string
}

// Compare runs the tool.
func (c *CommandComparator) Compare(ctx context.Context, fileA, fileB string, vars []string) error {
	executable := c.Executable
	if executable == "" {
		executable = "compare_variables"
	}
	args := []string{"--variables", strings.Join(vars, ","), fileA, fileB}
	out, err := c.Runner.Run(ctx, "", executable, args...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &MismatchError{
		Variable: strings.Join(vars, ","),
		FileA:    fileA,
		FileB:    fileB,
		Index:    -1,
		Detail:   strings.TrimSpace(string(out)) + ": " + err.Error(),
	}
}

// CompareSteps compares filename between the directories of two steps,
// using the variables declared on a's output, or vars when given.
func CompareSteps(ctx context.Context, cmp Comparator, workDir string, a, b *step.Step, filename string, vars ...string) error {
	if len(vars) == 0 {
		out, ok := a.Output(filename)
		if !ok {
			return fmt.Errorf("step %s declares no output %s", a.Path(), filename)
		}
		vars = out.ValidateVars
	}
	if len(vars) == 0 {
		return fmt.Errorf("no variables to compare in %s", filename)
	}
	return cmp.Compare(ctx, filepath.Join(a.Dir(workDir), filename), filepath.Join(b.Dir(workDir), filename), vars)
}

// CompareAll runs CompareSteps for each filename and joins the failures.
func CompareAll(ctx context.Context, cmp Comparator, workDir string, a, b *step.Step, filenames ...string) error {
	var errs []error
	for _, name := range filenames {
		if err := CompareSteps(ctx, cmp, workDir, a, b, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// YAMLReader reads variables from a YAML mapping of name to a number or a
// list of numbers, the format the lightweight toolkits write.
type YAMLReader struct{}

// ReadVariable loads name from path.
func (YAMLReader) ReadVariable(path, name string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	raw, ok := doc[name]
	if !ok {
		return nil, fmt.Errorf("variable %s not found", name)
	}
	return toFloats(raw)
}

func toFloats(raw any) ([]float64, error) {
	switch v := raw.(type) {
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			f, err := toFloat(item)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		return out, nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return []float64{f}, nil
	}
}

func toFloat(v any) (float64, error) {
	if _, ok := v.(bool); ok {
		return 0, fmt.Errorf("value %v is not a number", v)
	}
	return cast.ToFloat64E(v)
}
