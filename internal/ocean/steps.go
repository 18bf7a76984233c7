package ocean

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
	"github.com/ShayCichocki/caseflow/internal/remap"
	"github.com/ShayCichocki/caseflow/internal/step"
	"github.com/ShayCichocki/caseflow/pkg/models"
)

// Directory names shared by every task of one resolution.
func resolutionDir(res Resolution) string { return path.Join("planar", res.String()) }

func meshDir(res Resolution) string { return path.Join(resolutionDir(res), "mesh") }

func initDir(res Resolution) string { return path.Join(resolutionDir(res), "init") }

// domainSize reads the [planar] extent in km.
func domainSize(cfg *caseconfig.Config) (lx, ly float64, err error) {
	if cfg == nil {
		return 0, 0, errors.New("no config")
	}
	if lx, err = cfg.GetFloat("planar", "lx"); err != nil {
		return 0, 0, err
	}
	if ly, err = cfg.GetFloat("planar", "ly"); err != nil {
		return 0, 0, err
	}
	return lx, ly, nil
}

// meshStep builds the periodic mesh for one resolution.
type meshStep struct {
	tk  Toolkit
	res Resolution
}

func newMeshStep(tk Toolkit, res Resolution, cfg *caseconfig.Config) *step.Step {
	s := step.New("mesh_"+res.String(), meshDir(res), &meshStep{tk: tk, res: res}, step.WithConfig(cfg))
	s.AddOutputFile(MeshFile)
	s.AddOutputFile(GraphFile)
	return s
}

func (m *meshStep) Run(ctx context.Context, s *step.Step, env step.RunEnv) error {
	lx, ly, err := domainSize(s.Config())
	if err != nil {
		return err
	}
	nx, ny := gridSize(lx, ly, m.res)
	env.Logger.Info().Str("step", s.Path()).Int("nx", nx).Int("ny", ny).Msg("building mesh")
	return m.tk.BuildMesh(ctx, MeshRequest{Dir: s.Dir(env.WorkDir), Resolution: m.res, NX: nx, NY: ny})
}

const (
	initialConditionFile     = "initial_condition.nc"
	remappedInitialCondition = "initial_condition_remapped.nc"
)

// initStep writes the initial state, optionally from a database field
// remapped onto the mesh.
type initStep struct {
	tk    Toolkit
	remap remap.Provider
	res   Resolution
	// fromDatabase is set when an initial condition file is configured.
	fromDatabase bool
}

func newInitStep(tk Toolkit, rp remap.Provider, res Resolution, cfg *caseconfig.Config, mesh *step.Step) (*step.Step, error) {
	runner := &initStep{tk: tk, remap: rp, res: res}
	s := step.New("init_"+res.String(), initDir(res), runner, step.WithConfig(cfg))
	for _, name := range []string{MeshFile, GraphFile} {
		if err := s.AddInputFile(step.InputFile{Filename: name, From: mesh}); err != nil {
			return nil, err
		}
	}

	file, err := cfg.GetDefault("init", "initial_condition_file", "")
	if err != nil {
		return nil, err
	}
	if file != "" {
		db, err := cfg.Get("init", "initial_condition_database")
		if err != nil {
			return nil, err
		}
		sum, err := cfg.GetDefault("init", "initial_condition_checksum", "")
		if err != nil {
			return nil, err
		}
		if err := s.AddInputFile(step.InputFile{
			Filename:     initialConditionFile,
			Database:     db,
			DatabaseFile: file,
			Checksum:     sum,
		}); err != nil {
			return nil, err
		}
		runner.fromDatabase = true
	}
	s.AddOutputFile(InitialStateFile)
	return s, nil
}

func (i *initStep) Run(ctx context.Context, s *step.Step, env step.RunEnv) error {
	cfg := s.Config()
	dir := s.Dir(env.WorkDir)
	req := InitRequest{Dir: dir}
	var err error
	if req.Temperature, err = cfg.GetFloat("planar", "temperature"); err != nil {
		return err
	}
	if req.Salinity, err = cfg.GetFloat("planar", "salinity"); err != nil {
		return err
	}
	if req.VertLevels, err = cfg.GetInt("planar", "vert_levels"); err != nil {
		return err
	}
	if req.BottomDepth, err = cfg.GetFloat("planar", "bottom_depth"); err != nil {
		return err
	}

	if i.fromDatabase {
		if req.InitialCondition, err = i.remapInitialCondition(ctx, cfg, dir); err != nil {
			return err
		}
		env.Logger.Info().Str("step", s.Path()).Str("file", req.InitialCondition).Msg("remapped initial condition")
	}
	return i.tk.InitialState(ctx, req)
}

func (i *initStep) remapInitialCondition(ctx context.Context, cfg *caseconfig.Config, dir string) (string, error) {
	if i.remap == nil {
		return "", errors.New("initial condition needs remapping but no remapper is configured")
	}
	grid, err := cfg.Get("init", "initial_condition_grid")
	if err != nil {
		return "", err
	}
	method, err := cfg.GetDefault("init", "remap_method", string(remap.Bilinear))
	if err != nil {
		return "", err
	}
	src := remap.Grid{Name: grid, Descriptor: filepath.Join(dir, initialConditionFile)}
	dst := remap.Grid{Name: "planar_" + i.res.String(), Descriptor: filepath.Join(dir, MeshFile)}
	r, err := i.remap.GetRemapper(ctx, src, dst, remap.Method(method))
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, remappedInitialCondition)
	if err := r.RemapFile(ctx, filepath.Join(dir, initialConditionFile), out); err != nil {
		return "", err
	}
	return remappedInitialCondition, nil
}

// forwardModelConfig is the base model config of every forward run.
const forwardModelConfig = `
ocean:
  time_management:
    config_start_time: '{{ config "forward" "start_time" }}'
    config_run_duration: '{{ config "forward" "run_duration" }}'
  output:
    filename: ` + OutputFile + `
    variables: '{{ config "validate" "vars" }}'
`

// forwardStep runs the model. procs pins the task count; zero sizes the run
// from the mesh.
type forwardStep struct {
	tk    Toolkit
	res   Resolution
	procs int
}

// forwardSpec describes one forward run.
type forwardSpec struct {
	name, subdir string
	res          Resolution
	procs        int
	// fragments follow the base model config.
	fragments []string
	// restartFrom is the run whose restart file this one starts from.
	restartFrom  *step.Step
	writeRestart bool
}

func newForwardStep(tk Toolkit, mesh, init *step.Step, cfg *caseconfig.Config, spec forwardSpec) (*step.Step, error) {
	threads := 1
	if cfg != nil && cfg.Has("forward", "threads") {
		var err error
		if threads, err = cfg.GetInt("forward", "threads"); err != nil {
			return nil, err
		}
	}
	res := models.Resources{NTasks: 1, MinTasks: 1, OpenMPThreads: threads}
	if spec.procs > 0 {
		res.NTasks, res.MinTasks = spec.procs, spec.procs
	}

	opts := []step.Option{step.WithResources(res.Normalize())}
	if cfg != nil {
		opts = append(opts, step.WithConfig(cfg))
	}
	s := step.New(spec.name, spec.subdir, &forwardStep{tk: tk, res: spec.res, procs: spec.procs}, opts...)

	inputs := []step.InputFile{
		{Filename: MeshFile, From: mesh},
		{Filename: GraphFile, From: mesh},
		{Filename: InitialStateFile, From: init},
	}
	if spec.restartFrom != nil {
		inputs = append(inputs, step.InputFile{Filename: RestartFile, From: spec.restartFrom})
	}
	for _, in := range inputs {
		if err := s.AddInputFile(in); err != nil {
			return nil, err
		}
	}

	s.AddModelConfig(forwardModelConfig)
	for _, f := range spec.fragments {
		s.AddModelConfig(f)
	}

	var vars []string
	if cfg != nil {
		var err error
		if vars, err = cfg.GetList("validate", "vars"); err != nil {
			return nil, err
		}
	}
	s.AddOutputFile(OutputFile, vars...)
	if spec.writeRestart {
		s.AddOutputFile(RestartFile)
	}
	return s, nil
}

func (f *forwardStep) EstimateCells(in step.PlanInput) (int, error) {
	if f.procs > 0 {
		return 0, nil
	}
	lx, ly, err := domainSize(in.Config)
	if err != nil {
		return 0, err
	}
	nx, ny := gridSize(lx, ly, f.res)
	return nx * ny, nil
}

func (f *forwardStep) CountCells(in step.RunInput) (int, error) {
	if f.procs > 0 {
		return 0, nil
	}
	return f.tk.CountCells(context.Background(), filepath.Join(in.Dir, MeshFile))
}

func (f *forwardStep) PlanModelConfig(in step.PlanInput) (map[string]any, error) {
	perKM, err := in.Config.GetFloat("forward", "dt_per_km")
	if err != nil {
		return nil, err
	}
	dt := time.Duration(perKM * f.res.KM() * float64(time.Second))
	return map[string]any{
		"ocean": map[string]any{
			"time_integration": map[string]any{"config_dt": formatInterval(dt)},
		},
	}, nil
}

func (f *forwardStep) RuntimeModelConfig(in step.RunInput) (map[string]any, error) {
	stride := 1
	if in.Config.Has("forward", "pio_stride") {
		var err error
		if stride, err = in.Config.GetInt("forward", "pio_stride"); err != nil {
			return nil, err
		}
	}
	if stride < 1 {
		return nil, fmt.Errorf("[forward] pio_stride must be positive, got %d", stride)
	}
	ntasks := in.Step.Resources().NTasks
	iotasks := max(1, ntasks/stride)
	return map[string]any{
		"ocean": map[string]any{
			"io": map[string]any{
				"config_pio_num_iotasks": iotasks,
				"config_pio_stride":      min(stride, ntasks),
			},
		},
	}, nil
}

func (f *forwardStep) Run(ctx context.Context, s *step.Step, env step.RunEnv) error {
	if env.Launcher == nil {
		return errors.New("no model launcher configured")
	}
	res := s.Resources()
	dir := s.Dir(env.WorkDir)
	if res.NTasks > 1 {
		if err := f.tk.Partition(ctx, filepath.Join(dir, GraphFile), res.NTasks); err != nil {
			return fmt.Errorf("partition: %w", err)
		}
	}
	model, err := s.Config().Get("executables", "model")
	if err != nil {
		return err
	}
	env.Logger.Info().Str("step", s.Path()).Int("ntasks", res.NTasks).Int("threads", res.OpenMPThreads).Msg("launching model")
	return env.Launcher.Launch(ctx, model, []string{"-n", s.ModelConfigFile()}, res, dir, env.Log)
}

// formatInterval renders d as HH:MM:SS.
func formatInterval(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	sec := int(d%time.Minute) / int(time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}

// analysisStep computes the convergence rate from one forward run per
// resolution.
type analysisStep struct {
	tk          Toolkit
	resolutions []Resolution
}

func analysisInput(res Resolution) string { return "output_" + res.String() + ".nc" }

func newAnalysisStep(tk Toolkit, subdir string, forwards map[Resolution]*step.Step, order []Resolution) (*step.Step, error) {
	s := step.New("analysis", subdir, &analysisStep{tk: tk, resolutions: order})
	for _, res := range order {
		if err := s.AddInputFile(step.InputFile{
			Filename: analysisInput(res),
			From:     forwards[res],
			FromFile: OutputFile,
		}); err != nil {
			return nil, err
		}
	}
	s.AddOutputFile(AnalysisFile)
	return s, nil
}

func (a *analysisStep) Run(ctx context.Context, s *step.Step, env step.RunEnv) error {
	files := make([]string, len(a.resolutions))
	for i, res := range a.resolutions {
		files[i] = analysisInput(res)
	}
	return a.tk.Analyze(ctx, AnalysisRequest{Dir: s.Dir(env.WorkDir), Resolutions: a.resolutions, Files: files})
}

// vizStep plots the output of a forward run.
type vizStep struct {
	tk Toolkit
}

func newVizStep(tk Toolkit, subdir string, forward *step.Step) (*step.Step, error) {
	s := step.New("viz", subdir, &vizStep{tk: tk})
	if err := s.AddInputFile(step.InputFile{Filename: OutputFile, From: forward}); err != nil {
		return nil, err
	}
	s.AddOutputFile(PlotFile)
	return s, nil
}

func (v *vizStep) Run(ctx context.Context, s *step.Step, env step.RunEnv) error {
	return v.tk.Plot(ctx, s.Dir(env.WorkDir), []string{OutputFile})
}
