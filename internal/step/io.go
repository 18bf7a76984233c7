package step

import (
	"path"
	"path/filepath"
)

// InputFile declares a file the step needs in its directory. Exactly one
// provenance must be set: Target, WorkDirTarget, From or Database.
type InputFile struct {
	// Filename is the name inside the step directory. It defaults to the
	// base name of the source.
	Filename string

	// Target is a file shipped with the component, relative to the base dir.
	Target string
	// WorkDirTarget is a path relative to the work dir, usually inside
	// another step's directory. Prefer From when the producer is known.
	WorkDirTarget string
	// From is the producing step; FromFile names its output (defaults to Filename).
	From     *Step
	FromFile string
	// Database names an input database; DatabaseFile is the file within it.
	Database     string
	DatabaseFile string
	Checksum     string

	// Copy copies the source instead of symlinking it.
	Copy bool
}

func (in InputFile) provenances() int {
	n := 0
	for _, set := range []bool{in.Target != "", in.WorkDirTarget != "", in.From != nil, in.Database != ""} {
		if set {
			n++
		}
	}
	return n
}

func (in InputFile) source() string {
	switch {
	case in.Target != "":
		return in.Target
	case in.WorkDirTarget != "":
		return in.WorkDirTarget
	case in.From != nil:
		return in.From.Path() + "/" + in.FromFile
	case in.Database != "":
		return in.Database + ":" + in.DatabaseFile
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// OutputFile declares an artifact the run must leave on disk.
type OutputFile struct {
	Filename string
	// ValidateVars names the variables compared across runs by task validation.
	ValidateVars []string
}

// Dependency is a named producer edge.
type Dependency struct {
	Name string
	Step *Step
}

// AddInputFile registers an input. A From input also adds its producer as a
// dependency, so the edge cannot be lost when paths change.
func (s *Step) AddInputFile(in InputFile) error {
	if in.provenances() != 1 {
		return ErrProvenance
	}
	if in.Filename == "" {
		src := firstNonEmpty(in.Target, in.WorkDirTarget, in.FromFile, in.DatabaseFile)
		if src == "" {
			return ErrProvenance
		}
		in.Filename = path.Base(filepath.ToSlash(src))
	}
	if in.From != nil && in.FromFile == "" {
		in.FromFile = in.Filename
	}
	if in.Database != "" && in.DatabaseFile == "" {
		in.DatabaseFile = in.Filename
	}

	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()

	if in.From != nil {
		s.AddDependency(in.From, in.From.Name())
	}
	return nil
}

// AddOutputFile declares an output and the variables validated within it.
func (s *Step) AddOutputFile(filename string, validateVars ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, out := range s.outputs {
		if out.Filename == filename {
			s.outputs[i].ValidateVars = append(out.ValidateVars, validateVars...)
			return
		}
	}
	s.outputs = append(s.outputs, OutputFile{Filename: filename, ValidateVars: validateVars})
}

// AddDependency adds a named producer edge. Adding the same step twice is a no-op.
func (s *Step) AddDependency(dep *Step, name string) {
	if dep == nil || dep == s {
		return
	}
	if name == "" {
		name = dep.Name()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deps {
		if d.Step == dep {
			return
		}
	}
	s.deps = append(s.deps, Dependency{Name: name, Step: dep})
}

// Inputs returns a copy of the declared inputs.
func (s *Step) Inputs() []InputFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InputFile(nil), s.inputs...)
}

// Outputs returns a copy of the declared outputs.
func (s *Step) Outputs() []OutputFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutputFile(nil), s.outputs...)
}

// Output returns the declared output with the given file name.
func (s *Step) Output(filename string) (OutputFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, out := range s.outputs {
		if out.Filename == filename {
			return out, true
		}
	}
	return OutputFile{}, false
}

// Dependencies returns the named producer edges in declaration order.
func (s *Step) Dependencies() []Dependency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Dependency(nil), s.deps...)
}

// Dependency returns the producer registered under name.
func (s *Step) Dependency(name string) (*Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deps {
		if d.Name == name {
			return d.Step, true
		}
	}
	return nil, false
}

// WorkDirTargets returns the work-dir-relative sources of string-path inputs.
// The component maps them to producer steps.
func (s *Step) WorkDirTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, in := range s.inputs {
		if in.WorkDirTarget != "" {
			out = append(out, path.Clean(filepath.ToSlash(in.WorkDirTarget)))
		}
	}
	return out
}
