package version

import (
	"strings"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	got := pseudoVersion("0123456789abcdef0123", "2026-02-03T04:05:06Z", true)
	if got != "v0.0.0-20260203040506-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if pseudoVersion("", "2026-02-03T04:05:06Z", false) != "" {
		t.Fatalf("expected empty without revision")
	}
	if pseudoVersion("abc", "yesterday", false) != "" {
		t.Fatalf("expected empty for unparsable time")
	}
}

func TestBuildVersionOverride(t *testing.T) {
	old := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = old })
	info := Get()
	if info.Version != "v1.2.3" || Current() != "v1.2.3" {
		t.Fatalf("override ignored: %+v", info)
	}
	if !strings.HasPrefix(info.String(), "keyrename v1.2.3") || info.GoVersion == "" {
		t.Fatalf("unexpected string %q", info.String())
	}
}
