package ocean

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
	"github.com/ShayCichocki/caseflow/internal/component"
	"github.com/ShayCichocki/caseflow/internal/orchestrator"
	"github.com/ShayCichocki/caseflow/internal/remap"
	"github.com/ShayCichocki/caseflow/internal/task"
	"github.com/ShayCichocki/caseflow/internal/validate"
	"github.com/ShayCichocki/caseflow/pkg/models"
)

// fakeToolkit writes placeholder products and records what it was asked.
type fakeToolkit struct {
	mu         sync.Mutex
	meshes     map[string]int
	partitions []int
	inits      []InitRequest
	order      float64
}

func newFakeToolkit() *fakeToolkit {
	return &fakeToolkit{meshes: make(map[string]int), order: 2.0}
}

func write(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
}

func (f *fakeToolkit) BuildMesh(ctx context.Context, req MeshRequest) error {
	f.mu.Lock()
	f.meshes[req.Resolution.String()]++
	f.mu.Unlock()
	if err := write(req.Dir, MeshFile, fmt.Sprintf("nx %d ny %d", req.NX, req.NY)); err != nil {
		return err
	}
	return write(req.Dir, GraphFile, "graph")
}

func (f *fakeToolkit) CountCells(ctx context.Context, meshFile string) (int, error) {
	if _, err := os.Stat(meshFile); err != nil {
		return 0, err
	}
	return 400, nil
}

func (f *fakeToolkit) Partition(ctx context.Context, graphFile string, parts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partitions = append(f.partitions, parts)
	return nil
}

func (f *fakeToolkit) InitialState(ctx context.Context, req InitRequest) error {
	f.mu.Lock()
	f.inits = append(f.inits, req)
	f.mu.Unlock()
	return write(req.Dir, InitialStateFile, "state")
}

func (f *fakeToolkit) Analyze(ctx context.Context, req AnalysisRequest) error {
	for _, name := range req.Files {
		if _, err := os.Stat(filepath.Join(req.Dir, name)); err != nil {
			return err
		}
	}
	return write(req.Dir, AnalysisFile, fmt.Sprintf("order: %g\n", f.order))
}

func (f *fakeToolkit) Plot(ctx context.Context, dir string, files []string) error {
	return write(dir, PlotFile, "png")
}

func (f *fakeToolkit) meshCount(res string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meshes[res]
}

// fakeLauncher "runs" the model by writing YAML outputs. perturb changes the
// temperature for runs with that many tasks; failIn fails runs whose
// directory contains the string; maxTasks, when set, caps the allocation.
type fakeLauncher struct {
	mu       sync.Mutex
	perturb  int
	failIn   string
	maxTasks int
	args     [][]string
	launched []int
}

func (l *fakeLauncher) Fit(req models.Resources) (models.Resources, error) {
	if l.maxTasks > 0 && req.NTasks > l.maxTasks {
		req.NTasks = max(l.maxTasks, req.MinTasks)
	}
	return req, nil
}

func (l *fakeLauncher) Launch(ctx context.Context, executable string, args []string, res models.Resources, workDir string, out io.Writer) error {
	l.mu.Lock()
	l.args = append(l.args, append([]string{executable}, args...))
	l.launched = append(l.launched, res.NTasks)
	l.mu.Unlock()
	fmt.Fprintf(out, "%s on %d tasks\n", executable, res.NTasks)
	if l.failIn != "" && strings.Contains(workDir, l.failIn) {
		return errors.New("model crashed")
	}
	temperature := "15.0, 15.5, 16.0"
	if l.perturb > 0 && res.NTasks == l.perturb {
		temperature = "15.0, 15.5, 16.1"
	}
	output := "temperature: [" + temperature + "]\nsalinity: [35, 35, 35]\nlayerThickness: [50, 50, 50]\nnormalVelocity: [0, 0.1, 0]\n"
	if err := write(workDir, OutputFile, output); err != nil {
		return err
	}
	return write(workDir, RestartFile, output)
}

func userConfig(t *testing.T, text string) *caseconfig.Config {
	t.Helper()
	cfg := caseconfig.New()
	if err := cfg.AddFromString("user.cfg", caseconfig.TierUser, text); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newTestComponent(t *testing.T, workDir string, tk Toolkit, opts Options) *component.Component {
	t.Helper()
	opts.WorkDir = workDir
	opts.Toolkit = tk
	if opts.Reader == nil && opts.Comparator == nil {
		opts.Reader = validate.YAMLReader{}
	}
	comp, err := NewComponent(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewComponent: %v", err)
	}
	return comp
}

func runAll(t *testing.T, workDir string, comp *component.Component, launcher *fakeLauncher, opts ...orchestrator.Option) *orchestrator.Summary {
	t.Helper()
	return runTasks(t, workDir, comp, comp.Tasks(), launcher, opts...)
}

func runTasks(t *testing.T, workDir string, comp *component.Component, tasks []*task.Task, launcher *fakeLauncher, opts ...orchestrator.Option) *orchestrator.Summary {
	t.Helper()
	opts = append([]orchestrator.Option{
		orchestrator.WithLauncher(launcher),
		orchestrator.WithAvailableCores(16),
		orchestrator.WithResolver(comp),
	}, opts...)
	o, err := orchestrator.New(orchestrator.RequiredConfig{WorkDir: workDir}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()
	ctx := context.Background()
	if err := o.Setup(ctx, tasks); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	summary, err := o.Run(ctx, tasks, orchestrator.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return summary
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in      string
		want    Resolution
		wantErr bool
	}{
		{"60km", 60, false},
		{" 120 km ", 120, false},
		{"240", 240, false},
		{"0.5km", 0.5, false},
		{"60KM", 60, false},
		{"sixty", 0, true},
		{"-60km", 0, true},
		{"0km", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseResolution(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrBadResolution) {
					t.Errorf("ParseResolution(%q) error = %v, want ErrBadResolution", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseResolution(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
			}
		})
	}
	if s := Resolution(0.5).String(); s != "0.5km" {
		t.Errorf("String() = %q", s)
	}
}

func TestGridSizeAndCellCount(t *testing.T) {
	nx, ny := gridSize(960, 1080, 60)
	if nx != 16 || ny != 22 {
		t.Errorf("gridSize = %d x %d, want 16 x 22", nx, ny)
	}
	if _, ny := gridSize(10, 10, 60); ny%2 != 0 {
		t.Errorf("ny = %d must be even", ny)
	}

	header := []byte("netcdf mesh {\ndimensions:\n\tnCells = 352 ;\n\tnEdges = 1056 ;\n}\n")
	if n, err := parseCellCount(header); err != nil || n != 352 {
		t.Errorf("parseCellCount = %d, %v", n, err)
	}
	if _, err := parseCellCount([]byte("nEdges = 3 ;")); err == nil {
		t.Error("missing nCells should fail")
	}
}

func TestFormatInterval(t *testing.T) {
	if got := formatInterval(90e9); got != "00:01:30" {
		t.Errorf("formatInterval(90s) = %q", got)
	}
	if got := formatInterval(3725e9); got != "01:02:05" {
		t.Errorf("formatInterval(3725s) = %q", got)
	}
}

func TestComponentSharesStepsAcrossTasks(t *testing.T) {
	comp := newTestComponent(t, t.TempDir(), newFakeToolkit(), Options{})

	var paths []string
	for _, tk := range comp.Tasks() {
		paths = append(paths, tk.Subdir())
	}
	want := []string{
		"planar/120km/decomp", "planar/120km/default", "planar/120km/restart",
		"planar/60km/decomp", "planar/60km/default", "planar/60km/restart",
		"planar/convergence",
	}
	if strings.Join(paths, " ") != strings.Join(want, " ") {
		t.Fatalf("tasks = %v, want %v", paths, want)
	}

	mesh, ok := comp.Step("planar/60km/mesh")
	if !ok {
		t.Fatal("60km mesh not registered")
	}
	for _, subdir := range []string{"planar/60km/default", "planar/60km/decomp", "planar/60km/restart", "planar/convergence"} {
		tk, _ := comp.Task(subdir)
		if got := tk.Step("mesh_60km"); got != mesh {
			t.Errorf("%s holds a different 60km mesh", subdir)
		}
	}
	conv, _ := comp.Task("planar/convergence")
	m, ok := conv.Member("mesh_240km")
	if !ok || m.Symlink != "mesh_240km" || m.Owned {
		t.Errorf("convergence 240km mesh member = %+v, %v", m, ok)
	}
	if _, ok := conv.Member("analysis"); !ok {
		t.Error("convergence has no analysis step")
	}
	def, _ := comp.Task("planar/60km/default")
	if viz, ok := def.Member("viz"); !ok || viz.RunByDefault {
		t.Errorf("viz member = %+v, %v; want optional", viz, ok)
	}
}

func TestEndToEndRun(t *testing.T) {
	workDir := t.TempDir()
	tk := newFakeToolkit()
	comp := newTestComponent(t, workDir, tk, Options{})
	launcher := &fakeLauncher{}

	summary := runAll(t, workDir, comp, launcher)
	if !summary.Passed() {
		t.Fatalf("run failed: %v", summary.Err())
	}
	for _, res := range []string{"60km", "120km", "240km"} {
		if n := tk.meshCount(res); n != 1 {
			t.Errorf("%s mesh built %d times, want 1", res, n)
		}
	}
	if n := len(summary.Tasks); n != 7 {
		t.Errorf("%d task results, want 7", n)
	}

	forward, _ := comp.Step("planar/60km/default/forward")
	opts := forward.ModelConfig()
	ocean, _ := opts["ocean"].(map[string]any)
	integration, _ := ocean["time_integration"].(map[string]any)
	if integration["config_dt"] != "00:01:30" {
		t.Errorf("60km dt = %v, want 00:01:30", integration["config_dt"])
	}
	if _, ok := ocean["io"]; !ok {
		t.Error("runtime io options missing from model config")
	}
	if forward.Resources().NTasks != 2 {
		t.Errorf("forward sized to %d tasks from 400 cells, want 2", forward.Resources().NTasks)
	}

	for _, p := range []string{
		"ocean/planar/60km/planar.cfg",
		"ocean/planar/60km/default/planar.cfg",
		"ocean/planar/60km/default/mesh/mesh.nc",
		"ocean/planar/convergence/convergence.cfg",
		"ocean/planar/convergence/mesh_240km/graph.info",
		"ocean/planar/convergence/analysis/output_120km.nc",
		"ocean/planar/60km/restart/restart_run/restart.nc",
	} {
		if _, err := os.Stat(filepath.Join(workDir, p)); err != nil {
			t.Errorf("%s: %v", p, err)
		}
	}

	seen4, seen8 := false, false
	for _, n := range tk.partitions {
		seen4 = seen4 || n == 4
		seen8 = seen8 || n == 8
	}
	if !seen4 || !seen8 {
		t.Errorf("partitions = %v, want 4 and 8", tk.partitions)
	}
}

func TestForwardIOFollowsFittedTasks(t *testing.T) {
	workDir := t.TempDir()
	comp := newTestComponent(t, workDir, newFakeToolkit(), Options{})
	launcher := &fakeLauncher{maxTasks: 1}
	def, ok := comp.Task("planar/60km/default")
	if !ok {
		t.Fatal("planar/60km/default not registered")
	}

	summary := runTasks(t, workDir, comp, []*task.Task{def}, launcher)
	if !summary.Passed() {
		t.Fatalf("run failed: %v", summary.Err())
	}
	for _, n := range launcher.launched {
		if n > 1 {
			t.Errorf("model launched on %d tasks with a 1-task allocation", n)
		}
	}

	forward, _ := comp.Step("planar/60km/default/forward")
	if n := forward.Resources().NTasks; n != 1 {
		t.Errorf("recorded ntasks = %d, want the fitted 1", n)
	}
	ocean, _ := forward.ModelConfig()["ocean"].(map[string]any)
	pio, _ := ocean["io"].(map[string]any)
	if fmt.Sprint(pio["config_pio_num_iotasks"]) != "1" || fmt.Sprint(pio["config_pio_stride"]) != "1" {
		t.Errorf("io options = %v, want 1 iotask with stride 1", pio)
	}
}
func TestDecompPerturbationFailsValidation(t *testing.T) {
	workDir := t.TempDir()
	comp := newTestComponent(t, workDir, newFakeToolkit(), Options{
		Config: userConfig(t, "[ocean]\nresolutions = 60km\n[convergence]\nresolutions = 60km, 120km\n"),
	})

	summary := runAll(t, workDir, comp, &fakeLauncher{perturb: 8})
	decomp, ok := summary.Task("ocean/planar/60km/decomp")
	if !ok || decomp.Status != models.TaskStatusValidationFailed {
		t.Fatalf("decomp = %+v, want validation_failed", decomp)
	}
	var mismatch *validate.MismatchError
	if !errors.As(decomp.Err, &mismatch) || mismatch.Variable != "temperature" {
		t.Errorf("decomp error = %v, want temperature mismatch", decomp.Err)
	}
	for _, p := range []string{"ocean/planar/60km/default", "ocean/planar/60km/restart", "ocean/planar/convergence"} {
		if r, _ := summary.Task(p); r.Status != models.TaskStatusPassed {
			t.Errorf("%s = %s, want passed", p, r.Status)
		}
	}
}

func TestLooseToleranceAcceptsPerturbation(t *testing.T) {
	workDir := t.TempDir()
	comp := newTestComponent(t, workDir, newFakeToolkit(), Options{
		Config: userConfig(t, "[ocean]\nresolutions = 60km\n[convergence]\nresolutions = 60km, 120km\n[validate]\nabsolute_tolerance = 0.2\n"),
	})
	summary := runAll(t, workDir, comp, &fakeLauncher{perturb: 8})
	if r, _ := summary.Task("ocean/planar/60km/decomp"); r.Status != models.TaskStatusPassed {
		t.Errorf("decomp = %s (%v), want passed", r.Status, r.Err)
	}
}

func TestForwardFailureBlocksAnalysis(t *testing.T) {
	workDir := t.TempDir()
	comp := newTestComponent(t, workDir, newFakeToolkit(), Options{
		Config: userConfig(t, "[ocean]\nresolutions = 60km\n[convergence]\nresolutions = 60km, 120km\n"),
	})
	summary := runAll(t, workDir, comp, &fakeLauncher{failIn: "forward_120km"})

	if r, _ := summary.Step("ocean/planar/convergence/forward_120km"); r.State != models.StepFailed {
		t.Errorf("forward_120km = %s, want failed", r.State)
	}
	r, _ := summary.Step("ocean/planar/convergence/analysis")
	var blocked *orchestrator.BlockedError
	if r.State != models.StepBlocked || !errors.As(r.Err, &blocked) {
		t.Errorf("analysis = %s (%v), want blocked", r.State, r.Err)
	}
	if r, _ := summary.Task("ocean/planar/convergence"); r.Status != models.TaskStatusFailed {
		t.Errorf("convergence = %s, want failed", r.Status)
	}
	if r, _ := summary.Task("ocean/planar/60km/default"); r.Status != models.TaskStatusPassed {
		t.Errorf("default = %s, want passed", r.Status)
	}
}

func TestConvergenceOrderOutOfRange(t *testing.T) {
	workDir := t.TempDir()
	tk := newFakeToolkit()
	tk.order = 1.1
	comp := newTestComponent(t, workDir, tk, Options{
		Config: userConfig(t, "[ocean]\nresolutions = 60km\n[convergence]\nresolutions = 60km, 120km\n"),
	})
	summary := runAll(t, workDir, comp, &fakeLauncher{})
	r, _ := summary.Task("ocean/planar/convergence")
	if r.Status != models.TaskStatusValidationFailed || !strings.Contains(r.Err.Error(), "order of convergence") {
		t.Errorf("convergence = %s (%v)", r.Status, r.Err)
	}
}

func TestConvergenceReconfigure(t *testing.T) {
	ctx := context.Background()
	comp := newTestComponent(t, t.TempDir(), newFakeToolkit(), Options{})
	conv, _ := comp.Task("planar/convergence")
	oldAnalysis := conv.Step("analysis")

	// Unchanged options change nothing.
	if err := comp.Configure(ctx); err != nil {
		t.Fatal(err)
	}
	if conv.Step("analysis") != oldAnalysis {
		t.Error("reconfigure with unchanged options rebuilt the analysis step")
	}

	if err := conv.Config().Set("convergence", "resolutions", "60km, 120km", ""); err != nil {
		t.Fatal(err)
	}
	if err := comp.Configure(ctx); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"mesh_240km", "init_240km", "forward_240km"} {
		if _, ok := conv.Member(name); ok {
			t.Errorf("%s still a member", name)
		}
	}
	if _, ok := comp.Step("planar/240km/mesh"); ok {
		t.Error("240km mesh should leave the component when no task uses it")
	}
	if _, ok := comp.Step("planar/60km/mesh"); !ok {
		t.Error("60km mesh is still shared and must stay")
	}
	a := conv.Step("analysis")
	if a == nil || a == oldAnalysis || len(a.Inputs()) != 2 {
		t.Errorf("analysis not rebuilt for two resolutions")
	}

	if err := conv.Config().Set("convergence", "resolutions", "60km, sixty", ""); err != nil {
		t.Fatal(err)
	}
	if err := comp.Configure(ctx); !errors.Is(err, ErrBadResolution) {
		t.Errorf("Configure error = %v, want ErrBadResolution", err)
	}
}

func TestBadResolutionInConfig(t *testing.T) {
	_, err := NewComponent(context.Background(), Options{
		WorkDir: t.TempDir(),
		Toolkit: newFakeToolkit(),
		Reader:  validate.YAMLReader{},
		Config:  userConfig(t, "[ocean]\nresolutions = 60km, big\n"),
	})
	if !errors.Is(err, ErrBadResolution) {
		t.Errorf("NewComponent error = %v, want ErrBadResolution", err)
	}
}

// fakeDatabase serves every file from one local copy.
type fakeDatabase struct {
	path  string
	calls []string
}

func (d *fakeDatabase) Fetch(ctx context.Context, database, filename, checksum string) (string, error) {
	d.calls = append(d.calls, database+"/"+filename+"@"+checksum)
	return d.path, nil
}

// fakeRemap records requests and writes the remapped file.
type fakeRemap struct {
	grids []remap.Grid
}

func (f *fakeRemap) GetRemapper(ctx context.Context, src, dst remap.Grid, method remap.Method) (remap.Remapper, error) {
	f.grids = append(f.grids, src, dst)
	return f, nil
}

func (f *fakeRemap) Remap(ctx context.Context, ds *remap.Dataset) (*remap.Dataset, error) {
	return ds, nil
}

func (f *fakeRemap) RemapFile(ctx context.Context, in, out string) error {
	return os.WriteFile(out, []byte("remapped"), 0644)
}

func TestInitialConditionFromDatabase(t *testing.T) {
	workDir := t.TempDir()
	woa := filepath.Join(t.TempDir(), "woa.nc")
	if err := os.WriteFile(woa, []byte("woa"), 0644); err != nil {
		t.Fatal(err)
	}
	tk := newFakeToolkit()
	rm := &fakeRemap{}
	comp := newTestComponent(t, workDir, tk, Options{
		Remap: rm,
		Config: userConfig(t, "[ocean]\nresolutions = 60km\n[convergence]\nresolutions = 60km, 120km\n"+
			"[init]\ninitial_condition_file = woa23.nc\ninitial_condition_checksum = abc\n"),
	})
	db := &fakeDatabase{path: woa}

	def, _ := comp.Task("planar/60km/default")
	o, err := orchestrator.New(orchestrator.RequiredConfig{WorkDir: workDir},
		orchestrator.WithLauncher(&fakeLauncher{}),
		orchestrator.WithAvailableCores(16),
		orchestrator.WithDatabase(db))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	tasks := []*task.Task{def}
	if err := o.Setup(ctx, tasks); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	summary, err := o.Run(ctx, tasks, orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Passed() {
		t.Fatalf("run failed: %v", summary.Err())
	}

	if len(db.calls) != 1 || db.calls[0] != "initial_condition_database/woa23.nc@abc" {
		t.Errorf("database calls = %v", db.calls)
	}
	if len(rm.grids) != 2 || rm.grids[0].Name != "WOA23" || rm.grids[1].Name != "planar_60km" {
		t.Errorf("remap grids = %+v", rm.grids)
	}
	if len(tk.inits) != 1 || tk.inits[0].InitialCondition != remappedInitialCondition {
		t.Errorf("init requests = %+v", tk.inits)
	}
}

func TestInitialConditionNeedsRemapper(t *testing.T) {
	workDir := t.TempDir()
	woa := filepath.Join(t.TempDir(), "woa.nc")
	if err := os.WriteFile(woa, []byte("woa"), 0644); err != nil {
		t.Fatal(err)
	}
	comp := newTestComponent(t, workDir, newFakeToolkit(), Options{
		Config: userConfig(t, "[ocean]\nresolutions = 60km\n[convergence]\nresolutions = 60km, 120km\n[init]\ninitial_condition_file = woa23.nc\n"),
	})
	def, _ := comp.Task("planar/60km/default")
	o, err := orchestrator.New(orchestrator.RequiredConfig{WorkDir: workDir},
		orchestrator.WithLauncher(&fakeLauncher{}),
		orchestrator.WithDatabase(&fakeDatabase{path: woa}))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	tasks := []*task.Task{def}
	if err := o.Setup(ctx, tasks); err != nil {
		t.Fatal(err)
	}
	summary, err := o.Run(ctx, tasks, orchestrator.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := summary.Step("ocean/planar/60km/init"); r.State != models.StepFailed {
		t.Errorf("init = %s, want failed", r.State)
	}
	if r, _ := summary.Task("ocean/planar/60km/default"); r.Status != models.TaskStatusFailed {
		t.Errorf("default = %s, want failed", r.Status)
	}
}
