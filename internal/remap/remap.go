// Package remap is the contract for moving fields between grids. Weight
// generation and file remapping are delegated to external tools; applying
// loaded weights to in-memory data happens here.
package remap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ShayCichocki/caseflow/internal/exec"
)

// Method is an interpolation method understood by the weight generator.
type Method string

const (
	Bilinear    Method = "bilinear"
	NearestSToD Method = "neareststod"
	Conserve    Method = "conserve"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case Bilinear, NearestSToD, Conserve:
		return true
	}
	return false
}

// Grid names a grid and the descriptor file the tools read.
type Grid struct {
	Name       string
	Descriptor string
	// Size is the number of cells, needed to apply weights in memory.
	Size int
}

// Dataset is a set of flat fields on one grid.
type Dataset struct {
	Grid      string
	Variables map[string][]float64
}

// Remapper moves data from one grid to another.
type Remapper interface {
	Remap(ctx context.Context, ds *Dataset) (*Dataset, error)
	RemapFile(ctx context.Context, inFile, outFile string) error
}

// Provider builds remappers, reusing weights where it can.
type Provider interface {
	GetRemapper(ctx context.Context, src, dst Grid, method Method) (Remapper, error)
}

// Weights is a sparse remapping matrix: dst[Rows[k]] += S[k] * src[Cols[k]].
type Weights struct {
	Rows, Cols []int
	S          []float64
	NSrc, NDst int
}

// ErrShape means data does not fit the weights.
var ErrShape = errors.New("field size does not match remapping weights")

// Apply remaps one field.
func (w *Weights) Apply(src []float64) ([]float64, error) {
	if len(src) != w.NSrc {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrShape, len(src), w.NSrc)
	}
	if len(w.Rows) != len(w.S) || len(w.Cols) != len(w.S) {
		return nil, errors.New("malformed weights: rows, cols and values differ in length")
	}
	dst := make([]float64, w.NDst)
	for k, s := range w.S {
		r, c := w.Rows[k], w.Cols[k]
		if r < 0 || r >= w.NDst || c < 0 || c >= w.NSrc {
			return nil, fmt.Errorf("malformed weights: entry %d out of range", k)
		}
		dst[r] += s * src[c]
	}
	return dst, nil
}

// WeightsLoader reads a weight file written by the generator.
type WeightsLoader func(path string) (*Weights, error)

// ToolProvider generates weight files with an external tool, once per
// (source, destination, method), and caches them in Dir.
type ToolProvider struct {
	Runner exec.CommandRunner
	Dir    string
	// Generator defaults to ESMF_RegridWeightGen.
	Generator string
	// FileTool remaps files with a weight file; defaults to ncremap.
	FileTool string
	// Load reads weights for in-memory remapping; nil disables Remap.
	Load WeightsLoader

	mu sync.Mutex
}

// WeightFile is where the weights for src to dst by method are cached.
func (p *ToolProvider) WeightFile(src, dst Grid, method Method) string {
	return filepath.Join(p.Dir, fmt.Sprintf("map_%s_to_%s_%s.nc", src.Name, dst.Name, method))
}

// GetRemapper returns a remapper, generating its weights if needed.
func (p *ToolProvider) GetRemapper(ctx context.Context, src, dst Grid, method Method) (Remapper, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("unknown remapping method %q", method)
	}
	if src.Name == "" || dst.Name == "" {
		return nil, errors.New("source and destination grids need names")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	weights := p.WeightFile(src, dst, method)
	if _, err := os.Stat(weights); os.IsNotExist(err) {
		if err := os.MkdirAll(p.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create weights directory: %w", err)
		}
		generator := p.Generator
		if generator == "" {
			generator = "ESMF_RegridWeightGen"
		}
		out, err := p.Runner.Run(ctx, p.Dir, generator,
			"--source", src.Descriptor,
			"--destination", dst.Descriptor,
			"--weight", weights,
			"--method", string(method),
			"--ignore_unmapped")
		if err != nil {
			return nil, fmt.Errorf("generate weights %s: %w: %s", filepath.Base(weights), err, out)
		}
	} else if err != nil {
		return nil, err
	}

	fileTool := p.FileTool
	if fileTool == "" {
		fileTool = "ncremap"
	}
	return &WeightRemapper{
		Src:         src,
		Dst:         dst,
		WeightsFile: weights,
		Runner:      p.Runner,
		FileTool:    fileTool,
		load:        p.Load,
	}, nil
}

// WeightRemapper applies one weight file.
type WeightRemapper struct {
	Src, Dst    Grid
	WeightsFile string
	Runner      exec.CommandRunner
	FileTool    string

	load    WeightsLoader
	once    sync.Once
	weights *Weights
	loadErr error
}

// NewWeightRemapper wraps weights already in memory.
func NewWeightRemapper(src, dst Grid, w *Weights) *WeightRemapper {
	r := &WeightRemapper{Src: src, Dst: dst, weights: w}
	r.once.Do(func() {})
	return r
}

// Remap applies the weights to every variable of ds.
func (r *WeightRemapper) Remap(ctx context.Context, ds *Dataset) (*Dataset, error) {
	if ds.Grid != "" && ds.Grid != r.Src.Name {
		return nil, fmt.Errorf("dataset is on grid %s, remapper expects %s", ds.Grid, r.Src.Name)
	}
	r.once.Do(func() {
		if r.load == nil {
			r.loadErr = errors.New("no weights loader configured")
			return
		}
		r.weights, r.loadErr = r.load(r.WeightsFile)
	})
	if r.loadErr != nil {
		return nil, fmt.Errorf("load weights %s: %w", r.WeightsFile, r.loadErr)
	}

	names := make([]string, 0, len(ds.Variables))
	for name := range ds.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	out := &Dataset{Grid: r.Dst.Name, Variables: make(map[string][]float64, len(names))}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := r.weights.Apply(ds.Variables[name])
		if err != nil {
			return nil, fmt.Errorf("remap %s: %w", name, err)
		}
		out.Variables[name] = v
	}
	return out, nil
}

// RemapFile remaps inFile into outFile with the external file tool.
func (r *WeightRemapper) RemapFile(ctx context.Context, inFile, outFile string) error {
	if r.Runner == nil || r.WeightsFile == "" {
		return errors.New("remapper has no weight file to remap files with")
	}
	out, err := r.Runner.Run(ctx, filepath.Dir(outFile), r.FileTool, "-m", r.WeightsFile, inFile, outFile)
	if err != nil {
		return fmt.Errorf("remap %s: %w: %s", filepath.Base(inFile), err, out)
	}
	return nil
}
