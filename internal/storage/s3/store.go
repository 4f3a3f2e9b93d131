// Package s3 keeps the coordinator record on any S3-compatible endpoint
// (MinIO, Ceph, localstack) through the MinIO client.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/keyrename/internal/storage/remote"
)

// Config locates the bucket holding coordinator records.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// CustomCreds replaces the environment/file/IAM chain.
	CustomCreds *credentials.Credentials
	Transport   http.RoundTripper
}

// Store is a storage.Backend on one S3-compatible bucket.
type Store struct {
	mc  *minio.Client
	cfg Config
}

var dialect = remote.Dialect{
	Name: "s3",
	Inspect: func(err error) (remote.Reply, bool) {
		var resp minio.ErrorResponse
		if !errors.As(err, &resp) {
			return remote.Reply{}, false
		}
		return remote.Reply{Status: resp.StatusCode, Code: resp.Code}, true
	},
	Missing: []string{"NoSuchKey", "NoSuchBucket"},
	Conflict: func(code string) bool {
		return code == "ConditionalRequestConflict" || code == "OperationAborted"
	},
}

func defaultCredentials() *credentials.Credentials {
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{},
	})
}

// New builds a MinIO client for cfg. It does not contact the endpoint.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	endpoint := cfg.Endpoint
	switch {
	case endpoint != "":
	case cfg.Region != "":
		endpoint = "s3." + cfg.Region + ".amazonaws.com"
	default:
		endpoint = "s3.amazonaws.com"
	}
	if cfg.Transport == nil {
		cfg.Transport = remote.PooledTransport()
	}
	if cfg.CustomCreds == nil {
		cfg.CustomCreds = defaultCredentials()
	}
	opts := &minio.Options{
		Creds:     cfg.CustomCreds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	mc, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{mc: mc, cfg: cfg}, nil
}

// Config returns the normalized configuration.
func (s *Store) Config() Config { return s.cfg }

// Close is a no-op for the MinIO client.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the bucket is present.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := remote.Deadline(ctx)
	defer cancel()
	ok, err := s.mc.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return false, dialect.Wrap(err, "bucket exists")
	}
	return ok, nil
}

func (s *Store) object(namespace, key string) (string, error) {
	return storage.ObjectPath(s.cfg.Prefix, namespace, key)
}

// GetObject opens the record. MinIO defers the request until first use, so
// the object is stat'ed up front to surface ErrNotFound here.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	name, err := s.object(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	call := dialect.Begin(ctx, "get_object", name)
	obj, err := s.mc.GetObject(ctx, s.cfg.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return storage.GetObjectResult{}, call.Fail(dialect.Translate(err, "get object"))
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return storage.GetObjectResult{}, call.Fail(dialect.Translate(err, "stat object"))
	}
	info := describe(key, stat)
	call.Done("etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: obj, Info: &info}, nil
}

func describe(key string, stat minio.ObjectInfo) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         remote.TrimETag(stat.ETag),
		Size:         stat.Size,
		LastModified: stat.LastModified,
		ContentType:  stat.ContentType,
	}
}

// PutObject uploads the record under If-Match, or If-None-Match "*" for
// create-only writes.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.object(namespace, key)
	if err != nil {
		return nil, err
	}
	call := dialect.Begin(ctx, "put_object", name)
	put := minio.PutObjectOptions{ContentType: remote.ContentType(opts.ContentType)}
	switch {
	case opts.ExpectedETag != "":
		put.SetMatchETag(opts.ExpectedETag)
	case opts.IfNotExists:
		put.SetMatchETagExcept("*")
	}
	up, err := s.mc.PutObject(ctx, s.cfg.Bucket, name, body, remaining(body), put)
	if err != nil {
		return nil, call.Fail(dialect.TranslatePut(err, opts.ExpectedETag != ""))
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         remote.TrimETag(up.ETag),
		Size:         up.Size,
		LastModified: time.Now().UTC(),
		ContentType:  put.ContentType,
	}
	call.Done("etag", info.ETag, "size", info.Size)
	return info, nil
}

// remaining returns the unread length of a seekable body, or -1 so MinIO
// streams it.
func remaining(body io.Reader) int64 {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return -1
	}
	at, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := seeker.Seek(at, io.SeekStart); err != nil {
		return -1
	}
	return end - at
}

// DeleteObject removes the record. RemoveObject has no conditional form, so
// the ETag is compared against a fresh stat first.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.object(namespace, key)
	if err != nil {
		return err
	}
	call := dialect.Begin(ctx, "delete_object", name)
	stat, err := s.mc.StatObject(ctx, s.cfg.Bucket, name, minio.StatObjectOptions{})
	if err == nil && opts.ExpectedETag != "" && remote.TrimETag(stat.ETag) != opts.ExpectedETag {
		return call.Fail(storage.ErrCASMismatch)
	}
	if err == nil {
		err = s.mc.RemoveObject(ctx, s.cfg.Bucket, name, minio.RemoveObjectOptions{})
	}
	err = dialect.Translate(err, "delete object")
	if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
		err = nil
	}
	if err != nil {
		return call.Fail(err)
	}
	call.Done()
	return nil
}

// ListObjects lists records below the namespace root.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root, err := storage.NamespacePrefix(s.cfg.Prefix, namespace)
	if err != nil {
		return nil, err
	}
	call := dialect.Begin(ctx, "list_objects", root)
	list := minio.ListObjectsOptions{
		Prefix:    root + strings.TrimPrefix(opts.Prefix, "/"),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		list.StartAfter = path.Join(root, opts.StartAfter)
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	page := remote.NewPage(opts)
	for obj := range s.mc.ListObjects(ctx, s.cfg.Bucket, list) {
		if obj.Err != nil {
			return nil, call.Fail(dialect.Wrap(obj.Err, "list objects"))
		}
		logical, ok := strings.CutPrefix(obj.Key, root)
		if !ok {
			continue
		}
		if !page.Add(describe(logical, obj)) {
			break
		}
	}
	result := page.Result()
	call.Done("objects", len(result.Objects))
	return result, nil
}
