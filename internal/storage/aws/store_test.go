package aws

import (
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/keyrename/internal/storage"
)

type statusErr struct{ code int }

func (e statusErr) Error() string       { return http.StatusText(e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func TestDialectReadsSDKErrors(t *testing.T) {
	if !dialect.IsMissing(&smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}) {
		t.Fatalf("NoSuchKey must be missing")
	}
	if !dialect.IsMissing(statusErr{code: http.StatusNotFound}) {
		t.Fatalf("404 must be missing")
	}
	if got := dialect.Translate(&smithy.GenericAPIError{Code: "PreconditionFailed"}, "put object"); got != storage.ErrCASMismatch {
		t.Fatalf("expected cas mismatch, got %v", got)
	}
	if got := dialect.Translate(statusErr{code: http.StatusConflict}, "put object"); got != storage.ErrCASMismatch {
		t.Fatalf("expected cas mismatch on 409, got %v", got)
	}
	if !storage.IsTransient(dialect.Wrap(statusErr{code: http.StatusServiceUnavailable}, "get object")) {
		t.Fatalf("503 must be transient")
	}
	if storage.IsTransient(dialect.Wrap(statusErr{code: http.StatusForbidden}, "get object")) {
		t.Fatalf("403 must not be transient")
	}
	if _, ok := inspect(errors.New("boom")); ok {
		t.Fatalf("plain errors carry no reply")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatalf("expected bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatalf("expected region error")
	}
	store, err := New(Config{
		Bucket:          "b",
		Region:          "eu-north-1",
		Endpoint:        "localhost:9000",
		Insecure:        true,
		PathStyle:       true,
		Prefix:          "/prod/",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Config().Prefix != "prod" {
		t.Fatalf("prefix not normalized: %q", store.Config().Prefix)
	}
}

func TestBaseEndpoint(t *testing.T) {
	cases := map[string]Config{
		"":                       {},
		"http://localhost:9000":  {Endpoint: "localhost:9000", Insecure: true},
		"https://s3.example.com": {Endpoint: "s3.example.com"},
		"http://already:1":       {Endpoint: "http://already:1"},
	}
	for want, cfg := range cases {
		if got := baseEndpoint(cfg); got != want {
			t.Fatalf("%+v: got %q want %q", cfg, got, want)
		}
	}
}

func TestNewHonorsCABundle(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()
	bundle := filepath.Join(t.TempDir(), "ca.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(bundle, certPEM, 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	t.Setenv("AWS_CA_BUNDLE", bundle)
	if _, err := New(Config{Bucket: "b", Region: "eu-north-1", AccessKeyID: "id", SecretAccessKey: "secret"}); err != nil {
		t.Fatalf("new with AWS_CA_BUNDLE: %v", err)
	}
}

func TestTransportOptions(t *testing.T) {
	secure := &http.Transport{}
	transportOptions(Config{})(secure)
	if secure.MaxIdleConnsPerHost == 0 || secure.TLSHandshakeTimeout == 0 {
		t.Fatalf("pool limits not applied: %+v", secure)
	}
	if secure.TLSClientConfig != nil && secure.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("verification disabled without insecure")
	}
	insecure := &http.Transport{}
	transportOptions(Config{Insecure: true})(insecure)
	if insecure.TLSClientConfig == nil || !insecure.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("insecure endpoint must skip verification")
	}
}
