// Package aws keeps the coordinator record in Amazon S3 through the AWS SDK
// v2, using S3 conditional writes for compare-and-swap.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/keyrename/internal/storage/remote"
)

// Config locates the bucket holding coordinator records.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	Insecure  bool
	PathStyle bool
	// AccessKeyID and SecretAccessKey replace the default credential chain
	// when both are set.
	AccessKeyID     string
	SecretAccessKey string
}

// Store is a storage.Backend on one S3 bucket.
type Store struct {
	api *s3.Client
	cfg Config
}

var dialect = remote.Dialect{
	Name:    "aws",
	Inspect: inspect,
	Missing: []string{"NoSuchKey", "NotFound", "NoSuchBucket"},
	Conflict: func(string) bool {
		return true
	},
}

// inspect reads the HTTP status from SDK response errors and the service
// code from smithy API errors.
func inspect(err error) (remote.Reply, bool) {
	var (
		reply remote.Reply
		found bool
	)
	var api smithy.APIError
	if errors.As(err, &api) {
		reply.Code = api.ErrorCode()
		found = true
	}
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		reply.Status = withStatus.HTTPStatusCode()
		found = true
	}
	return reply, found
}

// New validates cfg and builds an SDK client from the default config chain.
func New(cfg Config) (*Store, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	switch {
	case cfg.Bucket == "":
		return nil, errors.New("aws: bucket is required")
	case cfg.Region == "":
		return nil, errors.New("aws: region is required")
	}
	// A buildable client lets the SDK layer AWS_CA_BUNDLE onto the transport.
	client := awshttp.NewBuildableClient().WithTransportOptions(transportOptions(cfg))
	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(client),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		static := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		options = append(options, awsconfig.WithCredentialsProvider(static))
	}
	if cfg.Endpoint != "" {
		// Third-party endpoints reject the SDK's default CRC trailers.
		options = append(options, awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired))
	}
	base, err := awsconfig.LoadDefaultConfig(context.Background(), options...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	endpoint := baseEndpoint(cfg)
	api := s3.NewFromConfig(base, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Store{api: api, cfg: cfg}, nil
}

func transportOptions(cfg Config) func(*http.Transport) {
	return func(t *http.Transport) {
		remote.TunePool(t)
		if !cfg.Insecure {
			return
		}
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true
	}
}

func baseEndpoint(cfg Config) string {
	if cfg.Endpoint == "" || strings.Contains(cfg.Endpoint, "://") {
		return cfg.Endpoint
	}
	if cfg.Insecure {
		return "http://" + cfg.Endpoint
	}
	return "https://" + cfg.Endpoint
}

// Config returns the normalized configuration.
func (s *Store) Config() Config { return s.cfg }

// Close is a no-op; the SDK client holds no resources needing release.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the bucket answers HeadBucket.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := remote.Deadline(ctx)
	defer cancel()
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	switch {
	case err == nil:
		return true, nil
	case dialect.IsMissing(err):
		return false, nil
	}
	return false, dialect.Wrap(err, "head bucket")
}

func (s *Store) object(namespace, key string) (*string, error) {
	name, err := storage.ObjectPath(s.cfg.Prefix, namespace, key)
	if err != nil {
		return nil, err
	}
	return aws.String(name), nil
}

// GetObject fetches the record; the returned reader owns the call deadline.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	name, err := s.object(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	call := dialect.Begin(ctx, "get_object", *name)
	ctx, cancel := remote.Deadline(ctx)
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: name})
	if err != nil {
		cancel()
		return storage.GetObjectResult{}, call.Fail(dialect.Translate(err, "get object"))
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         remote.TrimETag(aws.ToString(out.ETag)),
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}
	call.Done("etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: remote.ReleaseOnClose(out.Body, cancel), Info: info}, nil
}

// PutObject buffers body so the SDK can sign a fixed length, then writes it
// under IfMatch or IfNoneMatch.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.object(namespace, key)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("aws: buffer record: %w", err)
	}
	call := dialect.Begin(ctx, "put_object", *name)
	ctx, cancel := remote.Deadline(ctx)
	defer cancel()
	contentType := remote.ContentType(opts.ContentType)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           name,
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(contentType),
	}
	switch {
	case opts.ExpectedETag != "":
		in.IfMatch = aws.String(opts.ExpectedETag)
	case opts.IfNotExists:
		in.IfNoneMatch = aws.String("*")
	}
	out, err := s.api.PutObject(ctx, in)
	if err != nil {
		return nil, call.Fail(dialect.TranslatePut(err, opts.ExpectedETag != ""))
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         remote.TrimETag(aws.ToString(out.ETag)),
		Size:         int64(len(payload)),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}
	call.Done("etag", info.ETag, "size", info.Size)
	return info, nil
}

// DeleteObject removes the record. S3 reports success for missing keys, so
// existence is checked with HeadObject first.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.object(namespace, key)
	if err != nil {
		return err
	}
	call := dialect.Begin(ctx, "delete_object", *name)
	ctx, cancel := remote.Deadline(ctx)
	defer cancel()
	_, err = s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: name})
	if err == nil {
		in := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: name}
		if opts.ExpectedETag != "" {
			in.IfMatch = aws.String(opts.ExpectedETag)
		}
		_, err = s.api.DeleteObject(ctx, in)
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

// ListObjects walks ListObjectsV2 pages below the namespace root.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root, err := storage.NamespacePrefix(s.cfg.Prefix, namespace)
	if err != nil {
		return nil, err
	}
	call := dialect.Begin(ctx, "list_objects", root)
	ctx, cancel := remote.Deadline(ctx)
	defer cancel()
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		in.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	page := remote.NewPage(opts)
	pages := s3.NewListObjectsV2Paginator(s.api, in)
	for pages.HasMorePages() && !page.Full() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, call.Fail(dialect.Wrap(err, "list objects"))
		}
		for _, obj := range out.Contents {
			logical, ok := strings.CutPrefix(aws.ToString(obj.Key), root)
			if !ok {
				continue
			}
			if !page.Add(storage.ObjectInfo{
				Key:          logical,
				ETag:         remote.TrimETag(aws.ToString(obj.ETag)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			}) {
				break
			}
		}
	}
	result := page.Result()
	call.Done("objects", len(result.Objects))
	return result, nil
}
