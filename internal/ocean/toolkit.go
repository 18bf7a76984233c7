package ocean

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
	"github.com/ShayCichocki/caseflow/internal/exec"
)

// File names the steps agree on.
const (
	MeshFile         = "mesh.nc"
	GraphFile        = "graph.info"
	InitialStateFile = "initial_state.nc"
	OutputFile       = "output.nc"
	RestartFile      = "restart.nc"
	AnalysisFile     = "convergence.yaml"
	PlotFile         = "plots.png"
)

// MeshRequest asks for a doubly periodic hex mesh in Dir.
type MeshRequest struct {
	Dir        string
	Resolution Resolution
	NX, NY     int
}

// InitRequest asks for an initial state on the mesh in Dir.
type InitRequest struct {
	Dir string
	// InitialCondition is a field already remapped onto the mesh; empty means
	// an analytic state from the reference values.
	InitialCondition string
	Temperature      float64
	Salinity         float64
	VertLevels       int
	BottomDepth      float64
}

// AnalysisRequest asks for a convergence analysis over forward outputs,
// one file per resolution, written to AnalysisFile in Dir.
type AnalysisRequest struct {
	Dir         string
	Resolutions []Resolution
	Files       []string
}

// Toolkit does the numerical work the steps delegate: meshing, partitioning,
// initial conditions, analysis and plotting.
type Toolkit interface {
	BuildMesh(ctx context.Context, req MeshRequest) error
	// CountCells reads the number of cells of a mesh file.
	CountCells(ctx context.Context, meshFile string) (int, error)
	// Partition splits graphFile into parts for the model decomposition.
	Partition(ctx context.Context, graphFile string, parts int) error
	InitialState(ctx context.Context, req InitRequest) error
	Analyze(ctx context.Context, req AnalysisRequest) error
	// Plot renders files into PlotFile in dir.
	Plot(ctx context.Context, dir string, files []string) error
}

// gridSize is the hex grid covering lx by ly km at res. NY is kept even so
// the mesh stays periodic.
func gridSize(lx, ly float64, res Resolution) (nx, ny int) {
	nx = int(math.Ceil(lx / res.KM()))
	ny = int(math.Ceil(ly / (res.KM() * math.Sqrt(3) / 2)))
	if ny%2 != 0 {
		ny++
	}
	return max(nx, 1), max(ny, 2)
}

// CommandToolkit drives the external tools named in [executables].
type CommandToolkit struct {
	runner exec.CommandRunner
	tools  map[string]string
}

var defaultTools = map[string]string{
	"mesh":      "planar_hex",
	"cull":      "cell_culler",
	"init":      "ocean_init",
	"partition": "gpmetis",
	"ncdump":    "ncdump",
	"analysis":  "convergence_analysis",
	"plot":      "plot_fields",
}

// NewCommandToolkit reads tool names from cfg's [executables] section.
func NewCommandToolkit(runner exec.CommandRunner, cfg *caseconfig.Config) (*CommandToolkit, error) {
	tools := make(map[string]string, len(defaultTools))
	for k, v := range defaultTools {
		tools[k] = v
	}
	if cfg != nil {
		for _, key := range cfg.Keys("executables") {
			v, err := cfg.Get("executables", key)
			if err != nil {
				return nil, err
			}
			if v != "" {
				tools[key] = v
			}
		}
	}
	return &CommandToolkit{runner: runner, tools: tools}, nil
}

func (t *CommandToolkit) run(ctx context.Context, dir, tool string, args ...string) ([]byte, error) {
	name := t.tools[tool]
	out, err := t.runner.Run(ctx, dir, name, args...)
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(out))
	}
	return out, nil
}

// BuildMesh runs the mesh generator then the culler, which also writes the
// partition graph.
func (t *CommandToolkit) BuildMesh(ctx context.Context, req MeshRequest) error {
	dc := strconv.FormatFloat(req.Resolution.KM()*1e3, 'f', -1, 64)
	if _, err := t.run(ctx, req.Dir, "mesh",
		"--nx", strconv.Itoa(req.NX),
		"--ny", strconv.Itoa(req.NY),
		"--dc", dc,
		"-o", "base_mesh.nc"); err != nil {
		return err
	}
	_, err := t.run(ctx, req.Dir, "cull", "base_mesh.nc", MeshFile, "--graph", GraphFile)
	return err
}

// CountCells reads nCells from the file header.
func (t *CommandToolkit) CountCells(ctx context.Context, meshFile string) (int, error) {
	out, err := t.run(ctx, filepath.Dir(meshFile), "ncdump", "-h", meshFile)
	if err != nil {
		return 0, err
	}
	return parseCellCount(out)
}

// parseCellCount finds "nCells = N ;" in a header dump.
func parseCellCount(header []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(header))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		name, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(name) != "nCells" {
			continue
		}
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), ";"))
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("parse nCells %q: %w", value, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("no nCells dimension in header")
}

// Partition runs the graph partitioner in the graph's directory.
func (t *CommandToolkit) Partition(ctx context.Context, graphFile string, parts int) error {
	_, err := t.run(ctx, filepath.Dir(graphFile), "partition", filepath.Base(graphFile), strconv.Itoa(parts))
	return err
}

// InitialState runs the initial condition tool.
func (t *CommandToolkit) InitialState(ctx context.Context, req InitRequest) error {
	args := []string{
		"--mesh", MeshFile,
		"--temperature", strconv.FormatFloat(req.Temperature, 'g', -1, 64),
		"--salinity", strconv.FormatFloat(req.Salinity, 'g', -1, 64),
		"--levels", strconv.Itoa(req.VertLevels),
		"--bottom-depth", strconv.FormatFloat(req.BottomDepth, 'g', -1, 64),
		"-o", InitialStateFile,
	}
	if req.InitialCondition != "" {
		args = append(args, "--initial-condition", req.InitialCondition)
	}
	_, err := t.run(ctx, req.Dir, "init", args...)
	return err
}

// Analyze runs the convergence analysis.
func (t *CommandToolkit) Analyze(ctx context.Context, req AnalysisRequest) error {
	res := make([]string, len(req.Resolutions))
	for i, r := range req.Resolutions {
		res[i] = strconv.FormatFloat(r.KM(), 'f', -1, 64)
	}
	args := append([]string{"--resolutions", strings.Join(res, ","), "-o", AnalysisFile}, req.Files...)
	_, err := t.run(ctx, req.Dir, "analysis", args...)
	return err
}

// Plot runs the plotting tool.
func (t *CommandToolkit) Plot(ctx context.Context, dir string, files []string) error {
	args := append([]string{"-o", PlotFile}, files...)
	_, err := t.run(ctx, dir, "plot", args...)
	return err
}
