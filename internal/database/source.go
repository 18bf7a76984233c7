package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound means the source has no such file.
var ErrNotFound = errors.New("file not found in database source")

// Source reads files from a remote database server.
type Source interface {
	// Open returns the content of database/filename.
	Open(ctx context.Context, database, filename string) (io.ReadCloser, error)
	// String describes the source for logs and errors.
	String() string
}

// HTTPSource fetches <BaseURL>/<database>/<filename>.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// Open issues a GET for the file.
func (s *HTTPSource) Open(ctx context.Context, database, filename string) (io.ReadCloser, error) {
	u, err := url.JoinPath(s.BaseURL, database, filename)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", u, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", u, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %s", u, resp.Status)
	}
	return resp.Body, nil
}

func (s *HTTPSource) String() string { return s.BaseURL }

// S3API is the part of the S3 client the source uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads s3://<Bucket>/<Prefix>/<database>/<filename>.
type S3Source struct {
	Client S3API
	Bucket string
	Prefix string
}

// Open fetches the object.
func (s *S3Source) Open(ctx context.Context, database, filename string) (io.ReadCloser, error) {
	key := path.Join(s.Prefix, database, filename)
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("s3://%s/%s: %w", s.Bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.Bucket, key, err)
	}
	return out.Body, nil
}

func (s *S3Source) String() string {
	return "s3://" + path.Join(s.Bucket, s.Prefix)
}

// DirSource reads a local mirror laid out as <Root>/<database>/<filename>.
type DirSource struct {
	Root string
}

// Open opens the file.
func (s *DirSource) Open(ctx context.Context, database, filename string) (io.ReadCloser, error) {
	p := filepath.Join(s.Root, database, filepath.FromSlash(filename))
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return f, err
}

func (s *DirSource) String() string { return s.Root }

// S3Options tune the AWS client behind an s3:// source.
type S3Options struct {
	Region  string
	Profile string
}

// NewSource picks a source for rawURL: http(s)://, s3://bucket/prefix, or a
// local directory (plain path or file://).
func NewSource(ctx context.Context, rawURL string, opts S3Options) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return &HTTPSource{BaseURL: rawURL, Client: &http.Client{}}, nil
	case "s3":
		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
		}
		if opts.Profile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return &S3Source{
			Client: s3.NewFromConfig(cfg),
			Bucket: u.Host,
			Prefix: strings.TrimPrefix(u.Path, "/"),
		}, nil
	case "file":
		return &DirSource{Root: u.Path}, nil
	case "":
		return &DirSource{Root: rawURL}, nil
	default:
		return nil, fmt.Errorf("unsupported database url scheme %q", u.Scheme)
	}
}
