package caseconfig

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"
)

// writeFile writes content to a file in a temp directory and returns its path.
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestPrecedence_DefaultsPackageUser(t *testing.T) {
	c := New()
	if err := c.AddDefaults("defaults", "[s]\na = 1\n"); err != nil {
		t.Fatalf("AddDefaults failed: %v", err)
	}
	if err := c.AddUserConfig(writeFile(t, "user.cfg", "[s]\na = 4\n")); err != nil {
		t.Fatalf("AddUserConfig failed: %v", err)
	}
	// Added after the user file but must stay beneath it.
	pkg := fstest.MapFS{"ocean.cfg": {Data: []byte("[s]\na = 2\nb = 3\n")}}
	if err := c.AddFromPackage(pkg, "ocean.cfg"); err != nil {
		t.Fatalf("AddFromPackage failed: %v", err)
	}

	a, err := c.Get("s", "a")
	if err != nil {
		t.Fatalf("Get(a) failed: %v", err)
	}
	if a != "4" {
		t.Errorf("Get(a) = %q, want %q", a, "4")
	}
	b, err := c.Get("s", "b")
	if err != nil {
		t.Fatalf("Get(b) failed: %v", err)
	}
	if b != "3" {
		t.Errorf("Get(b) = %q, want %q", b, "3")
	}
}

func TestPrecedence_SameTierLastWins(t *testing.T) {
	c := New()
	pkg := fstest.MapFS{
		"first.cfg":  {Data: []byte("[s]\nx = first\n")},
		"second.cfg": {Data: []byte("[s]\nx = second\n")},
	}
	if err := c.AddFromPackage(pkg, "first.cfg"); err != nil {
		t.Fatal(err)
	}
	if err := c.AddFromPackage(pkg, "second.cfg"); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Get("s", "x"); got != "second" {
		t.Errorf("Get(x) = %q, want %q", got, "second")
	}
}

func TestSet_OverridesAndLeavesDefaults(t *testing.T) {
	c := New()
	if err := c.AddDefaults("defaults", "[s]\na = 1\n"); err != nil {
		t.Fatal(err)
	}
	if err := c.AddUserConfig(writeFile(t, "user.cfg", "[s]\na = 4\n")); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("s", "a", "9", "set by test"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if got, _ := c.Get("s", "a"); got != "9" {
		t.Errorf("Get(a) = %q, want %q", got, "9")
	}
	src, err := c.Source("s", "a")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(src, "override") {
		t.Errorf("Source(a) = %q, want override layer", src)
	}
}

func TestGet_Missing(t *testing.T) {
	c := New()
	_, err := c.Get("nope", "key")
	var missing *MissingOptionError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingOptionError, got %v", err)
	}
	if missing.Section != "nope" || missing.Key != "key" {
		t.Errorf("unexpected error fields: %+v", missing)
	}
	if !IsMissing(err) {
		t.Error("IsMissing should be true")
	}

	v, err := c.GetDefault("nope", "key", "fallback")
	if err != nil || v != "fallback" {
		t.Errorf("GetDefault = %q, %v; want fallback, nil", v, err)
	}
}

func TestInterpolation(t *testing.T) {
	c := New()
	err := c.AddDefaults("defaults", `
[paths]
root = /scratch
mesh_dir = ${root}/meshes

[mesh]
file = ${paths:mesh_dir}/base.nc
cost = $$5
`)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		section, key, want string
	}{
		{"paths", "mesh_dir", "/scratch/meshes"},
		{"mesh", "file", "/scratch/meshes/base.nc"},
		{"mesh", "cost", "$5"},
	}
	for _, tt := range tests {
		got, err := c.Get(tt.section, tt.key)
		if err != nil {
			t.Errorf("Get(%s, %s) failed: %v", tt.section, tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Get(%s, %s) = %q, want %q", tt.section, tt.key, got, tt.want)
		}
	}

	// Interpolation happens after merging, so overriding root moves the mesh.
	if err := c.Set("paths", "root", "/tmp", ""); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Get("mesh", "file"); got != "/tmp/meshes/base.nc" {
		t.Errorf("after Set, file = %q", got)
	}
	raw, _ := c.GetRaw("mesh", "file")
	if raw != "${paths:mesh_dir}/base.nc" {
		t.Errorf("GetRaw = %q", raw)
	}
}

func TestInterpolation_Errors(t *testing.T) {
	c := New()
	err := c.AddDefaults("defaults", `
[s]
missing = ${nowhere:key}
loop_a = ${loop_b}
loop_b = ${loop_a}
open = ${oops
`)
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"missing", "loop_a", "open"} {
		_, err := c.Get("s", key)
		var interp *InterpolationError
		if !errors.As(err, &interp) {
			t.Errorf("Get(%s): expected InterpolationError, got %v", key, err)
		}
	}
}

func TestTypedGetters(t *testing.T) {
	c := New()
	err := c.AddDefaults("defaults", `
[t]
f = 2.5
i = 42
yes = yes
off = off
truth = True
list = 60, 120 240
floats = 0.5,1.5
bad = abc
`)
	if err != nil {
		t.Fatal(err)
	}

	if f, err := c.GetFloat("t", "f"); err != nil || f != 2.5 {
		t.Errorf("GetFloat = %v, %v", f, err)
	}
	if i, err := c.GetInt("t", "i"); err != nil || i != 42 {
		t.Errorf("GetInt = %v, %v", i, err)
	}
	if b, err := c.GetBool("t", "yes"); err != nil || !b {
		t.Errorf("GetBool(yes) = %v, %v", b, err)
	}
	if b, err := c.GetBool("t", "off"); err != nil || b {
		t.Errorf("GetBool(off) = %v, %v", b, err)
	}
	if b, err := c.GetBool("t", "truth"); err != nil || !b {
		t.Errorf("GetBool(True) = %v, %v", b, err)
	}
	if l, err := c.GetIntList("t", "list"); err != nil || !reflect.DeepEqual(l, []int{60, 120, 240}) {
		t.Errorf("GetIntList = %v, %v", l, err)
	}
	if l, err := c.GetFloatList("t", "floats"); err != nil || !reflect.DeepEqual(l, []float64{0.5, 1.5}) {
		t.Errorf("GetFloatList = %v, %v", l, err)
	}

	_, err = c.GetInt("t", "bad")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("GetInt(bad): expected ParseError, got %v", err)
	}
}

func TestGetInt_ZeroPaddedIsDecimal(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"010", 10},
		{"08", 8},
		{"-007", -7},
		{"+09", 9},
		{"000", 0},
		{" 42 ", 42},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			c := New()
			if err := c.Set("t", "n", tt.value, ""); err != nil {
				t.Fatal(err)
			}
			if n, err := c.GetInt("t", "n"); err != nil || n != tt.want {
				t.Errorf("GetInt(%q) = %d, %v; want %d", tt.value, n, err, tt.want)
			}
		})
	}

	c := New()
	if err := c.Set("t", "list", "010, 08, 120", ""); err != nil {
		t.Fatal(err)
	}
	if l, err := c.GetIntList("t", "list"); err != nil || !reflect.DeepEqual(l, []int{10, 8, 120}) {
		t.Errorf("GetIntList = %v, %v", l, err)
	}
	if err := c.Set("t", "hex", "0x10", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetInt("t", "hex"); err == nil {
		t.Error("hex literal should not parse as a decimal integer")
	}
}

func TestTypedGetters_ReparseAfterSet(t *testing.T) {
	c := New()
	if err := c.Set("t", "n", "1", ""); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.GetInt("t", "n"); n != 1 {
		t.Fatalf("GetInt = %d, want 1", n)
	}
	if err := c.Set("t", "n", "2", ""); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.GetInt("t", "n"); n != 2 {
		t.Errorf("GetInt after Set = %d, want 2", n)
	}
}

func TestGetExpression(t *testing.T) {
	c := New()
	err := c.AddDefaults("defaults", `
[e]
list = [1, 2, 3]
dict = {'a': 1, 'b': 2}
arith = 2 * 3 + 1
flag = True
circle = 2 * pi
grid = linspace(0, 1, 3)
`)
	if err != nil {
		t.Fatal(err)
	}

	list, err := c.GetExpression("e", "list", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if items, ok := list.([]any); !ok || len(items) != 3 {
		t.Errorf("list = %#v", list)
	}

	dict, err := c.GetExpression("e", "dict", false)
	if err != nil {
		t.Fatalf("dict: %v", err)
	}
	if m, ok := dict.(map[string]any); !ok || len(m) != 2 {
		t.Errorf("dict = %#v", dict)
	}

	arith, err := c.GetExpression("e", "arith", false)
	if err != nil || arith != 7 {
		t.Errorf("arith = %#v, %v", arith, err)
	}

	flag, err := c.GetExpression("e", "flag", false)
	if err != nil || flag != true {
		t.Errorf("flag = %#v, %v", flag, err)
	}

	if _, err := c.GetExpression("e", "circle", false); err == nil {
		t.Error("pi should be unknown without numeric")
	}
	circle, err := c.GetExpression("e", "circle", true)
	if err != nil {
		t.Fatalf("circle: %v", err)
	}
	if f, ok := circle.(float64); !ok || f < 6.28 || f > 6.29 {
		t.Errorf("circle = %#v", circle)
	}

	grid, err := c.GetExpression("e", "grid", true)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if !reflect.DeepEqual(grid, []any{0.0, 0.5, 1.0}) {
		t.Errorf("grid = %#v", grid)
	}
}

func TestGetExpression_Tuples(t *testing.T) {
	tests := []struct {
		name, value string
		want        any
	}{
		{"pair", "(1, 2)", []any{1, 2}},
		{"single", "(5,)", []any{5}},
		{"nested", "((1, 2), (3, 4))", []any{[]any{1, 2}, []any{3, 4}}},
		{"bare", "1, 2, 3", []any{1, 2, 3}},
		{"in list", "[(0, 'a'), (1, 'b')]", []any{[]any{0, "a"}, []any{1, "b"}}},
		{"string with comma", "('a,b', 'c')", []any{"a,b", "c"}},
		{"grouping", "(1 + 2) * 3", 9},
		{"call", "sqrt(16)", 4.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			if err := c.Set("e", "v", tt.value, ""); err != nil {
				t.Fatal(err)
			}
			got, err := c.GetExpression("e", "v", true)
			if err != nil {
				t.Fatalf("GetExpression(%q): %v", tt.value, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("GetExpression(%q) = %#v, want %#v", tt.value, got, tt.want)
			}
		})
	}

	c := New()
	if err := c.Set("e", "empty", "()", ""); err != nil {
		t.Fatal(err)
	}
	got, err := c.GetExpression("e", "empty", false)
	if items, ok := got.([]any); err != nil || !ok || len(items) != 0 {
		t.Errorf("empty tuple = %#v, %v", got, err)
	}
}

func TestFreeze(t *testing.T) {
	c := New()
	c.Freeze()
	if !c.Frozen() {
		t.Fatal("expected frozen")
	}
	if err := c.Set("s", "k", "v", ""); !errors.Is(err, ErrFrozen) {
		t.Errorf("Set after Freeze: got %v, want ErrFrozen", err)
	}
	if err := c.AddDefaults("late", "[s]\nk = v\n"); !errors.Is(err, ErrFrozen) {
		t.Errorf("AddDefaults after Freeze: got %v, want ErrFrozen", err)
	}

	clone := c.Clone()
	if clone.Frozen() {
		t.Error("clone should not be frozen")
	}
	if err := clone.Set("s", "k", "v", ""); err != nil {
		t.Errorf("Set on clone: %v", err)
	}
	if c.Has("s", "k") {
		t.Error("Set on clone leaked into original")
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	c := New()
	err := c.AddDefaults("defaults", `
[mesh]
# resolution in km
resolution = 120
path = ${resolution}km
`)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Set("forward", "dt", "00:05:00", "time step"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := c.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"[mesh]", "# resolution in km", "resolution = 120", "path = ${resolution}km", "[forward]", "# time step"} {
		if !strings.Contains(out, want) {
			t.Errorf("written config missing %q:\n%s", want, out)
		}
	}

	path := filepath.Join(t.TempDir(), "nested", "task.cfg")
	if err := c.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	reread, err := NewFromFile(path)
	if err != nil {
		t.Fatalf("NewFromFile failed: %v", err)
	}
	if got, _ := reread.Get("mesh", "path"); got != "120km" {
		t.Errorf("reread path = %q, want 120km", got)
	}
	if got, _ := reread.Get("forward", "dt"); got != "00:05:00" {
		t.Errorf("reread dt = %q", got)
	}
}

func TestSectionsAndKeys(t *testing.T) {
	c := New()
	if err := c.AddDefaults("defaults", "[a]\nx = 1\n[b]\ny = 2\n"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("a", "Z", "3", ""); err != nil {
		t.Fatal(err)
	}

	if got := c.Sections(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Sections = %v", got)
	}
	if got := c.Keys("a"); !reflect.DeepEqual(got, []string{"x", "z"}) {
		t.Errorf("Keys(a) = %v", got)
	}
	if !c.HasSection("b") || c.HasSection("c") {
		t.Error("HasSection mismatch")
	}
}
