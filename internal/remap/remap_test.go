package remap

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/caseflow/internal/exec"
)

// toolRunner fakes the weight generator and file tool. The generator writes
// the file named after --weight.
type toolRunner struct {
	calls [][]string
}

func (r *toolRunner) Run(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	for i, a := range args {
		if a == "--weight" && i+1 < len(args) {
			return nil, os.WriteFile(args[i+1], []byte("weights"), 0644)
		}
	}
	return nil, nil
}

func (r *toolRunner) RunShell(ctx context.Context, workDir, command string) ([]byte, error) {
	return nil, nil
}

func (r *toolRunner) Stream(ctx context.Context, c exec.Command, out io.Writer) error { return nil }

func (r *toolRunner) Exists(ctx context.Context, workDir, path string) bool { return true }

// averaging maps 4 source cells onto 2 destination cells.
func averaging() *Weights {
	return &Weights{
		Rows: []int{0, 0, 1, 1},
		Cols: []int{0, 1, 2, 3},
		S:    []float64{0.5, 0.5, 0.5, 0.5},
		NSrc: 4,
		NDst: 2,
	}
}

func TestWeightsApply(t *testing.T) {
	got, err := averaging().Apply([]float64{1, 3, 10, 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 15 {
		t.Errorf("Apply = %v, want [2 15]", got)
	}

	if _, err := averaging().Apply([]float64{1, 2}); !errors.Is(err, ErrShape) {
		t.Errorf("short field error = %v, want ErrShape", err)
	}

	bad := averaging()
	bad.Cols[0] = 9
	if _, err := bad.Apply([]float64{1, 2, 3, 4}); err == nil {
		t.Error("out-of-range weights should fail")
	}
}

func TestWeightRemapperRemap(t *testing.T) {
	src := Grid{Name: "QU240", Size: 4}
	dst := Grid{Name: "latlon", Size: 2}
	r := NewWeightRemapper(src, dst, averaging())

	ds := &Dataset{Grid: "QU240", Variables: map[string][]float64{
		"temperature": {0, 2, 4, 6},
		"salinity":    {34, 36, 35, 35},
	}}
	out, err := r.Remap(context.Background(), ds)
	if err != nil {
		t.Fatal(err)
	}
	if out.Grid != "latlon" {
		t.Errorf("Grid = %q", out.Grid)
	}
	if got := out.Variables["temperature"]; got[0] != 1 || got[1] != 5 {
		t.Errorf("temperature = %v", got)
	}
	if got := out.Variables["salinity"]; got[0] != 35 || got[1] != 35 {
		t.Errorf("salinity = %v", got)
	}

	if _, err := r.Remap(context.Background(), &Dataset{Grid: "EC30to60"}); err == nil {
		t.Error("dataset on the wrong grid should fail")
	}
}

func TestToolProviderGeneratesWeightsOnce(t *testing.T) {
	runner := &toolRunner{}
	loads := 0
	p := &ToolProvider{
		Runner: runner,
		Dir:    filepath.Join(t.TempDir(), "weights"),
		Load: func(path string) (*Weights, error) {
			loads++
			return averaging(), nil
		},
	}
	src := Grid{Name: "QU240", Descriptor: "/meshes/qu240.nc"}
	dst := Grid{Name: "latlon", Descriptor: "/meshes/latlon.nc"}
	ctx := context.Background()

	var remapper Remapper
	for i := 0; i < 2; i++ {
		r, err := p.GetRemapper(ctx, src, dst, Bilinear)
		if err != nil {
			t.Fatalf("GetRemapper: %v", err)
		}
		remapper = r
	}
	if len(runner.calls) != 1 || runner.calls[0][0] != "ESMF_RegridWeightGen" {
		t.Fatalf("generator calls = %v, want one", runner.calls)
	}
	if _, err := os.Stat(p.WeightFile(src, dst, Bilinear)); err != nil {
		t.Errorf("weights not cached: %v", err)
	}

	ds := &Dataset{Variables: map[string][]float64{"ssh": {1, 1, 2, 2}}}
	for i := 0; i < 2; i++ {
		if _, err := remapper.Remap(ctx, ds); err != nil {
			t.Fatal(err)
		}
	}
	if loads != 1 {
		t.Errorf("weights loaded %d times, want 1", loads)
	}

	if err := remapper.RemapFile(ctx, "/in/woa.nc", "/out/woa_remapped.nc"); err != nil {
		t.Fatal(err)
	}
	last := runner.calls[len(runner.calls)-1]
	want := []string{"ncremap", "-m", p.WeightFile(src, dst, Bilinear), "/in/woa.nc", "/out/woa_remapped.nc"}
	if len(last) != len(want) {
		t.Fatalf("file tool call = %v", last)
	}
	for i := range want {
		if last[i] != want[i] {
			t.Errorf("file tool arg %d = %q, want %q", i, last[i], want[i])
		}
	}
}

func TestToolProviderRejectsBadRequests(t *testing.T) {
	p := &ToolProvider{Runner: &toolRunner{}, Dir: t.TempDir()}
	ctx := context.Background()
	if _, err := p.GetRemapper(ctx, Grid{Name: "a"}, Grid{Name: "b"}, Method("cubic")); err == nil {
		t.Error("unknown method should fail")
	}
	if _, err := p.GetRemapper(ctx, Grid{}, Grid{Name: "b"}, Conserve); err == nil {
		t.Error("unnamed grid should fail")
	}

	r, err := p.GetRemapper(ctx, Grid{Name: "a"}, Grid{Name: "b"}, Conserve)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Remap(ctx, &Dataset{}); err == nil {
		t.Error("Remap without a loader should fail")
	}
}
