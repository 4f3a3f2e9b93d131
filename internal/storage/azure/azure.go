// Package azure keeps the coordinator record in Azure Blob Storage, using
// blob ETag access conditions for compare-and-swap.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/keyrename/internal/storage/remote"
)

// Config locates the container holding coordinator records. Either
// AccountKey or SASToken authenticates.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store is a storage.Backend on one blob container.
type Store struct {
	blobs     *azblob.Client
	endpoint  string
	container string
	prefix    string
}

var dialect = remote.Dialect{
	Name: "azure",
	Inspect: func(err error) (remote.Reply, bool) {
		var resp *azcore.ResponseError
		if !errors.As(err, &resp) {
			return remote.Reply{}, false
		}
		return remote.Reply{Status: resp.StatusCode, Code: resp.ErrorCode}, true
	},
	Missing: []string{"BlobNotFound", "ContainerNotFound"},
}

// New builds the client. It does not contact the service; call
// EnsureContainer before first use when the container may be missing.
func New(cfg Config) (*Store, error) {
	switch {
	case cfg.Account == "":
		return nil, errors.New("azure: account is required")
	case cfg.Container == "":
		return nil, errors.New("azure: container is required")
	case cfg.SASToken == "" && cfg.AccountKey == "":
		return nil, errors.New("azure: account key or SAS token required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: &http.Client{Transport: remote.PooledTransport()}},
	}
	blobs, err := dial(cfg, endpoint, opts)
	if err != nil {
		return nil, err
	}
	return &Store{
		blobs:     blobs,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func dial(cfg Config, endpoint string, opts *azblob.ClientOptions) (*azblob.Client, error) {
	if cfg.SASToken != "" {
		signed, err := appendSASToken(endpoint, cfg.SASToken)
		if err != nil {
			return nil, err
		}
		blobs, err := azblob.NewClientWithNoCredential(signed, opts)
		if err != nil {
			return nil, fmt.Errorf("azure: create client: %w", err)
		}
		return blobs, nil
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: build credentials: %w", err)
	}
	blobs, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return blobs, nil
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery == "" {
		u.RawQuery = sas
	} else {
		u.RawQuery += "&" + sas
	}
	return u.String(), nil
}

// EnsureContainer creates the container unless it already exists.
func (s *Store) EnsureContainer(ctx context.Context) error {
	ctx, cancel := remote.Deadline(ctx)
	defer cancel()
	_, err := s.blobs.CreateContainer(ctx, s.container, nil)
	if err == nil || isContainerExists(err) {
		return nil
	}
	return storage.NewTransientError(fmt.Errorf("azure: create container: %w", err))
}

func isContainerExists(err error) bool {
	reply, ok := dialect.Inspect(err)
	return ok && reply.Status == http.StatusConflict && strings.EqualFold(reply.Code, "ContainerAlreadyExists")
}

// Endpoint returns the service endpoint without SAS parameters.
func (s *Store) Endpoint() string { return s.endpoint }

// Close is a no-op for the blob client.
func (s *Store) Close() error { return nil }

// blobName escapes every path segment so keys with spaces or '%' survive
// the round trip through blob names.
func (s *Store) blobName(namespace, key string) (string, error) {
	object, err := storage.ObjectPath("", namespace, key)
	if err != nil {
		return "", err
	}
	segments := strings.Split(object, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return path.Join(append([]string{s.prefix}, segments...)...), nil
}

func (s *Store) namespaceRoot(namespace string) (string, error) {
	ns, err := storage.ValidateNamespace(namespace)
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, url.PathEscape(ns)) + "/", nil
}

func unescapeKey(name string) (string, error) {
	segments := strings.Split(name, "/")
	for i, seg := range segments {
		plain, err := url.PathUnescape(seg)
		if err != nil {
			return "", err
		}
		segments[i] = plain
	}
	return path.Join(segments...), nil
}

func matching(etag string, create bool) *blob.AccessConditions {
	var cond blob.ModifiedAccessConditions
	switch {
	case etag != "":
		cond.IfMatch = to.Ptr(azcore.ETag(etag))
	case create:
		cond.IfNoneMatch = to.Ptr(azcore.ETag("*"))
	default:
		return nil
	}
	return &blob.AccessConditions{ModifiedAccessConditions: &cond}
}

// GetObject streams the record blob.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	call := dialect.Begin(ctx, "get_object", name)
	resp, err := s.blobs.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		return storage.GetObjectResult{}, call.Fail(dialect.Translate(err, "download object"))
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         string(deref(resp.ETag)),
		Size:         deref(resp.ContentLength),
		LastModified: deref(resp.LastModified).UTC(),
		ContentType:  deref(resp.ContentType),
	}
	call.Done("etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads the record blob under the requested access condition.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return nil, err
	}
	call := dialect.Begin(ctx, "put_object", name)
	contentType := remote.ContentType(opts.ContentType)
	counted := &countingReader{r: body}
	resp, err := s.blobs.UploadStream(ctx, s.container, name, counted, &azblob.UploadStreamOptions{
		HTTPHeaders:      &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
		AccessConditions: matching(opts.ExpectedETag, opts.IfNotExists),
	})
	if err != nil {
		return nil, call.Fail(dialect.TranslatePut(err, opts.ExpectedETag != ""))
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         string(deref(resp.ETag)),
		Size:         counted.n,
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	call.Done("etag", info.ETag, "size", info.Size)
	return info, nil
}

// DeleteObject removes the record blob, guarded by IfMatch when an ETag is
// given.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return err
	}
	call := dialect.Begin(ctx, "delete_object", name)
	_, err = s.blobs.DeleteBlob(ctx, s.container, name, &azblob.DeleteBlobOptions{
		AccessConditions: matching(opts.ExpectedETag, false),
	})
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

// ListObjects pages through the flat blob listing below the namespace root
// and applies the logical prefix after unescaping.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root, err := s.namespaceRoot(namespace)
	if err != nil {
		return nil, err
	}
	call := dialect.Begin(ctx, "list_objects", root)
	want := strings.TrimPrefix(opts.Prefix, "/")
	page := remote.NewPage(opts)
	pager := s.blobs.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(root)})
	for pager.More() && !page.Full() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, call.Fail(dialect.Wrap(err, "list objects"))
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			logical, err := unescapeKey(strings.TrimPrefix(*item.Name, root))
			if err != nil || logical == "" || logical == "." || !strings.HasPrefix(logical, want) {
				continue
			}
			if opts.StartAfter != "" && logical <= opts.StartAfter {
				continue
			}
			info := storage.ObjectInfo{Key: logical}
			if p := item.Properties; p != nil {
				info.ETag = string(deref(p.ETag))
				info.Size = deref(p.ContentLength)
				info.LastModified = deref(p.LastModified).UTC()
				info.ContentType = deref(p.ContentType)
			}
			if !page.Add(info) {
				break
			}
		}
	}
	result := page.Result()
	call.Done("objects", len(result.Objects))
	return result, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
