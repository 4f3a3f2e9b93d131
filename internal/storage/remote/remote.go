// Package remote holds the pieces the network object-store backends share:
// failure classification onto the storage sentinels, per-call deadlines and
// call logging.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/pslog"
)

// CallTimeout bounds one remote call when the caller's context carries no
// tighter deadline.
const CallTimeout = 30 * time.Second

// Reply is what a backend can tell about a failed call.
type Reply struct {
	Status int
	Code   string
}

// Dialect teaches the classifier one backend's error shapes.
type Dialect struct {
	// Name prefixes error messages and log events.
	Name string
	// Inspect extracts the HTTP status and service error code from err.
	Inspect func(error) (Reply, bool)
	// Missing lists service codes meaning the object does not exist,
	// regardless of status.
	Missing []string
	// Conflict reports whether a 409 reply with code lost a conditional
	// write race.
	Conflict func(code string) bool
}

func (d Dialect) reply(err error) (Reply, bool) {
	if d.Inspect == nil {
		return Reply{}, false
	}
	return d.Inspect(err)
}

// IsMissing reports whether err says the object or bucket is absent.
func (d Dialect) IsMissing(err error) bool {
	r, ok := d.reply(err)
	if !ok {
		return false
	}
	if r.Status == http.StatusNotFound {
		return true
	}
	for _, code := range d.Missing {
		if strings.EqualFold(code, r.Code) {
			return true
		}
	}
	return false
}

// IsStale reports whether err says a conditional request lost to a
// concurrent writer.
func (d Dialect) IsStale(err error) bool {
	r, ok := d.reply(err)
	if !ok {
		return false
	}
	switch r.Status {
	case http.StatusPreconditionFailed:
		return true
	case http.StatusConflict:
		return d.Conflict == nil || d.Conflict(r.Code)
	}
	return strings.EqualFold(r.Code, "PreconditionFailed")
}

// IsRetryable reports whether err is worth another attempt.
func (d Dialect) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Unreachable(err) {
		return true
	}
	r, ok := d.reply(err)
	if !ok {
		return false
	}
	switch {
	case r.Status >= http.StatusInternalServerError:
		return true
	case r.Status == http.StatusTooManyRequests, r.Status == http.StatusRequestTimeout:
		return true
	}
	return false
}

// Wrap prefixes err with the backend name and action and marks it
// transient when a retry could succeed.
func (d Dialect) Wrap(err error, action string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %s: %w", d.Name, action, err)
	if d.IsRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

// Translate maps err onto storage.ErrNotFound or storage.ErrCASMismatch
// when it means either, and otherwise wraps it.
func (d Dialect) Translate(err error, action string) error {
	switch {
	case err == nil:
		return nil
	case d.IsStale(err):
		return storage.ErrCASMismatch
	case d.IsMissing(err):
		return storage.ErrNotFound
	}
	return d.Wrap(err, action)
}

// TranslatePut is Translate for writes. Only a CAS write can miss its
// target; for any other write a 404 means the bucket or container is gone
// and is reported as a plain error.
func (d Dialect) TranslatePut(err error, cas bool) error {
	if !cas && !d.IsStale(err) && d.IsMissing(err) {
		return d.Wrap(err, "put object")
	}
	return d.Translate(err, "put object")
}

// Unreachable reports transport failures: timeouts, resets and refused or
// dropped connections.
func Unreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ECONNREFUSED,
		syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTemporary
}

// Deadline applies CallTimeout unless ctx already expires sooner.
func Deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= CallTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, CallTimeout)
}

// Call logs one backend operation against one object.
type Call struct {
	logger pslog.Logger
	event  string
	start  time.Time
}

// Begin starts logging op for object using the logger carried by ctx.
func (d Dialect) Begin(ctx context.Context, op, object string) *Call {
	logger := loggingutil.FromContext(ctx, nil).With("storage_backend", d.Name, "object", object)
	c := &Call{logger: logger, event: d.Name + "." + op, start: time.Now()}
	logger.Trace(c.event + ".begin")
	return c
}

// Done logs success with extra key/value pairs.
func (c *Call) Done(kv ...any) {
	c.logger.Debug(c.event+".done", append(kv, "elapsed", time.Since(c.start))...)
}

// Fail logs a failure and returns err unchanged. Sentinel outcomes are
// expected during CAS races and log at trace level.
func (c *Call) Fail(err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrCASMismatch) {
		c.logger.Trace(c.event+".outcome", "outcome", err)
		return err
	}
	c.logger.Debug(c.event+".error", "error", err, "elapsed", time.Since(c.start))
	return err
}

// TrimETag removes the quotes some services wrap ETags in.
func TrimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// ContentType defaults an empty content type to octet-stream.
func ContentType(ct string) string {
	if ct == "" {
		return storage.ContentTypeOctetStream
	}
	return ct
}

// PooledTransport clones the default transport with idle connection and TLS
// handshake limits filled in.
func PooledTransport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		base = &http.Transport{}
	}
	clone := base.Clone()
	TunePool(clone)
	return clone
}

// TunePool fills in the idle connection and TLS handshake limits t leaves
// unset.
func TunePool(t *http.Transport) {
	if t.MaxIdleConnsPerHost == 0 {
		t.MaxIdleConnsPerHost = 16
	}
	if t.IdleConnTimeout == 0 {
		t.IdleConnTimeout = 90 * time.Second
	}
	if t.TLSHandshakeTimeout == 0 {
		t.TLSHandshakeTimeout = 10 * time.Second
	}
}

// ReleaseOnClose cancels ctx once the body is closed.
func ReleaseOnClose(body io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	return &releasingBody{ReadCloser: body, cancel: cancel}
}

type releasingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *releasingBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// Page collects listing entries honoring ListOptions.Limit.
type Page struct {
	limit  int
	result storage.ListResult
}

// NewPage starts a listing page limited by opts.
func NewPage(opts storage.ListOptions) *Page {
	return &Page{limit: opts.Limit}
}

// Add appends info and reports false once the page is full.
func (p *Page) Add(info storage.ObjectInfo) bool {
	if p.limit > 0 && len(p.result.Objects) >= p.limit {
		p.result.Truncated = true
		return false
	}
	p.result.Objects = append(p.result.Objects, info)
	p.result.NextStartAfter = info.Key
	return true
}

// Full reports whether the page already ran into its limit.
func (p *Page) Full() bool { return p.result.Truncated }

// Result returns the collected page.
func (p *Page) Result() *storage.ListResult {
	out := p.result
	if !out.Truncated {
		out.NextStartAfter = ""
	}
	return &out
}
