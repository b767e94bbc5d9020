// Package blob moves migration artifacts between the local filesystem and
// S3-compatible object storage. Dumps are fetched through it before they
// are read, and emitted artifacts can be published through it.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Driver identifies a storage backend
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("blob not found")

// Info describes a stored blob
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the small object-store surface the tool needs. Put overwrites.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// Location is a parsed artifact address: s3://bucket/key or a local path
type Location struct {
	Driver Driver
	Bucket string
	// Key is the object key for s3 and the file path for fs
	Key string
}

// ParseLocation accepts s3://bucket/key, file:///path and plain paths
func ParseLocation(raw string) (Location, error) {
	switch {
	case raw == "":
		return Location{}, errors.New("empty location")
	case strings.HasPrefix(raw, "s3://"):
		rest := strings.TrimPrefix(raw, "s3://")
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("location %q has no bucket", raw)
		}
		return Location{Driver: DriverS3, Bucket: bucket, Key: strings.TrimLeft(key, "/")}, nil
	case strings.HasPrefix(raw, "file://"):
		return Location{Driver: DriverFilesystem, Key: strings.TrimPrefix(raw, "file://")}, nil
	case strings.Contains(raw, "://"):
		return Location{}, fmt.Errorf("unsupported location scheme in %q", raw)
	default:
		return Location{Driver: DriverFilesystem, Key: raw}, nil
	}
}

func (l Location) String() string {
	if l.Driver == DriverS3 {
		return "s3://" + l.Bucket + "/" + l.Key
	}
	return l.Key
}

// Remote reports whether the location needs a download
func (l Location) Remote() bool {
	return l.Driver == DriverS3
}

// Opener builds the store behind a location. Tests replace S3 to point at
// a fake transport.
type Opener struct {
	S3 S3Config
}

// Open returns the store for loc and the key of loc inside it. A
// filesystem location is rooted at its parent directory.
func (o Opener) Open(ctx context.Context, loc Location) (Store, string, error) {
	switch loc.Driver {
	case DriverS3:
		cfg := o.S3
		cfg.Bucket = loc.Bucket
		s, err := NewS3(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		return s, loc.Key, nil
	case DriverFilesystem:
		s, err := NewFS(filepath.Dir(loc.Key))
		if err != nil {
			return nil, "", err
		}
		return s, filepath.Base(loc.Key), nil
	default:
		return nil, "", fmt.Errorf("unknown blob driver %q", loc.Driver)
	}
}

// Fetch makes src readable from the local filesystem. Local paths are
// returned unchanged; remote objects are downloaded into dir.
func (o Opener) Fetch(ctx context.Context, src, dir string) (string, error) {
	loc, err := ParseLocation(src)
	if err != nil {
		return "", err
	}
	if !loc.Remote() {
		return loc.Key, nil
	}

	store, key, err := o.Open(ctx, loc)
	if err != nil {
		return "", err
	}
	rc, err := store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", loc, err)
	}
	defer rc.Close()

	dest := filepath.Join(dir, path.Base(key))
	if err := writeAtomic(dest, rc); err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", loc, err)
	}
	return dest, nil
}

// Publish stores data as name under dst, an s3://bucket/prefix or a
// directory.
func (o Opener) Publish(ctx context.Context, dst, name string, data []byte) (Info, error) {
	loc, err := ParseLocation(dst)
	if err != nil {
		return Info{}, err
	}
	var store Store
	var key string
	if loc.Remote() {
		cfg := o.S3
		cfg.Bucket = loc.Bucket
		s, err := NewS3(ctx, cfg)
		if err != nil {
			return Info{}, err
		}
		store, key = s, path.Join(loc.Key, name)
	} else {
		s, err := NewFS(loc.Key)
		if err != nil {
			return Info{}, err
		}
		store, key = s, name
	}

	info, err := store.Put(ctx, key, bytes.NewReader(data), contentType(name))
	if err != nil {
		return Info{}, fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return info, nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".json":
		return "application/json"
	case ".sql":
		return "application/sql"
	default:
		return "application/octet-stream"
	}
}

func writeAtomic(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
