package database

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const meshContent = "netcdf mesh bytes"

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// newServer serves files[path] and counts requests.
func newServer(t *testing.T, files map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestCache(t *testing.T, src Source, opts ...Option) *Cache {
	t.Helper()
	c, err := NewCache(t.TempDir(), src, opts...)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFetchDownloadsOnceOverHTTP(t *testing.T) {
	srv, hits := newServer(t, map[string]string{"/mesh_database/planar.nc": meshContent})
	c := newTestCache(t, &HTTPSource{BaseURL: srv.URL})
	ctx := context.Background()

	path, err := c.Fetch(ctx, "mesh_database", "planar.nc", digest(meshContent))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != meshContent {
		t.Fatalf("cached content = %q, %v", data, err)
	}
	if path != filepath.Join(c.Root(), "mesh_database", "planar.nc") {
		t.Errorf("path = %q", path)
	}

	// Cache hits, with and without a checksum, do not touch the server.
	for _, sum := range []string{digest(meshContent), ""} {
		if _, err := c.Fetch(ctx, "mesh_database", "planar.nc", sum); err != nil {
			t.Fatal(err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}

	entries, err := c.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].SHA256 != digest(meshContent) || entries[0].Size != int64(len(meshContent)) {
		t.Errorf("entries = %+v", entries)
	}
}

func TestFetchRefetchesOnChecksumChange(t *testing.T) {
	files := map[string]string{"/db/file.nc": "v1"}
	srv, hits := newServer(t, files)
	c := newTestCache(t, &HTTPSource{BaseURL: srv.URL})
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "db", "file.nc", ""); err != nil {
		t.Fatal(err)
	}
	files["/db/file.nc"] = "v2"
	path, err := c.Fetch(ctx, "db", "file.nc", digest("v2"))
	if err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(path); string(data) != "v2" {
		t.Errorf("content = %q, want v2", data)
	}
	if hits.Load() != 2 {
		t.Errorf("server hit %d times, want 2", hits.Load())
	}
}

func TestFetchChecksumMismatch(t *testing.T) {
	srv, _ := newServer(t, map[string]string{"/db/file.nc": "corrupted"})
	c := newTestCache(t, &HTTPSource{BaseURL: srv.URL})

	_, err := c.Fetch(context.Background(), "db", "file.nc", digest("expected"))
	var sumErr *ChecksumError
	if !errors.As(err, &sumErr) {
		t.Fatalf("Fetch error = %v, want ChecksumError", err)
	}
	if sumErr.Got != digest("corrupted") {
		t.Errorf("Got = %s", sumErr.Got)
	}
	if _, err := os.Stat(c.Path("db", "file.nc")); !os.IsNotExist(err) {
		t.Error("mismatched download must not be installed")
	}
}

func TestFetchNotFound(t *testing.T) {
	srv, _ := newServer(t, nil)
	c := newTestCache(t, &HTTPSource{BaseURL: srv.URL})
	if _, err := c.Fetch(context.Background(), "db", "missing.nc", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch error = %v, want ErrNotFound", err)
	}
}

func TestFetchRejectsEscapingPaths(t *testing.T) {
	c := newTestCache(t, &DirSource{Root: t.TempDir()})
	for _, tc := range []struct{ db, file string }{
		{"../etc", "passwd"},
		{"db", "../../x"},
		{"", "x"},
	} {
		if _, err := c.Fetch(context.Background(), tc.db, tc.file, ""); err == nil {
			t.Errorf("Fetch(%q, %q) should fail", tc.db, tc.file)
		}
	}
}

func TestOfflineCache(t *testing.T) {
	mirror := t.TempDir()
	if err := os.MkdirAll(filepath.Join(mirror, "db"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mirror, "db", "a.nc"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	online, err := NewCache(root, &DirSource{Root: mirror})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := online.Fetch(context.Background(), "db", "a.nc", digest("a")); err != nil {
		t.Fatal(err)
	}
	online.Close()

	offline, err := NewCache(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer offline.Close()
	if _, err := offline.Fetch(context.Background(), "db", "a.nc", ""); err != nil {
		t.Errorf("cached file should be served offline: %v", err)
	}
	if _, err := offline.Fetch(context.Background(), "db", "b.nc", ""); !errors.Is(err, ErrOffline) {
		t.Errorf("Fetch(uncached) = %v, want ErrOffline", err)
	}

	if err := offline.Remove("db", "a.nc"); err != nil {
		t.Fatal(err)
	}
	if _, err := offline.Fetch(context.Background(), "db", "a.nc", ""); !errors.Is(err, ErrOffline) {
		t.Errorf("removed file should be gone: %v", err)
	}
}

// fakeS3 serves objects from a map keyed by bucket/key.
type fakeS3 struct {
	objects map[string]string
	keys    []string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	k := *in.Bucket + "/" + *in.Key
	f.keys = append(f.keys, k)
	body, ok := f.objects[k]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewBufferString(body))}, nil
}

func TestS3Source(t *testing.T) {
	client := &fakeS3{objects: map[string]string{"ocean-data/inputdata/initial_condition_database/woa.nc": "woa"}}
	src := &S3Source{Client: client, Bucket: "ocean-data", Prefix: "inputdata"}
	c := newTestCache(t, src)

	path, err := c.Fetch(context.Background(), "initial_condition_database", "woa.nc", digest("woa"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "woa" {
		t.Errorf("content = %q", data)
	}

	if _, err := c.Fetch(context.Background(), "initial_condition_database", "missing.nc", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing object error = %v, want ErrNotFound", err)
	}
	if src.String() != "s3://ocean-data/inputdata" {
		t.Errorf("String() = %q", src.String())
	}
}

func TestNewSource(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.org/inputdata", "*database.HTTPSource"},
		{"file:///data/mirror", "*database.DirSource"},
		{"/data/mirror", "*database.DirSource"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			src, err := NewSource(ctx, tt.url, S3Options{})
			if err != nil {
				t.Fatal(err)
			}
			if got := typeName(src); got != tt.want {
				t.Errorf("NewSource(%q) = %s, want %s", tt.url, got, tt.want)
			}
		})
	}

	if _, err := NewSource(ctx, "ftp://example.org", S3Options{}); err == nil {
		t.Error("unsupported scheme should fail")
	}
}

func typeName(src Source) string {
	switch src.(type) {
	case *HTTPSource:
		return "*database.HTTPSource"
	case *S3Source:
		return "*database.S3Source"
	case *DirSource:
		return "*database.DirSource"
	}
	return "unknown"
}
