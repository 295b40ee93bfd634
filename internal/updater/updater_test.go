package updater

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in                  string
		major, minor, patch int
		dev                 bool
	}{
		{"v1.2.3", 1, 2, 3, false},
		{"1.2.3", 1, 2, 3, false},
		{"v10.0.1", 10, 0, 1, false},
		{"dev", 0, 0, 0, true},
		{"dev-abc1234", 0, 0, 0, true},
		{"", 0, 0, 0, true},
		{"v1.2.3-dev", 1, 2, 3, true},
	}
	for _, tt := range tests {
		v := ParseVersion(tt.in)
		if v.Major != tt.major || v.Minor != tt.minor || v.Patch != tt.patch {
			t.Errorf("ParseVersion(%q) = %d.%d.%d", tt.in, v.Major, v.Minor, v.Patch)
		}
		if v.IsDev() != tt.dev {
			t.Errorf("ParseVersion(%q).IsDev() = %v, want %v", tt.in, v.IsDev(), tt.dev)
		}
	}
}

func TestIsOlderThan(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"v1.0.0", "v1.0.1", true},
		{"v1.0.1", "v1.0.0", false},
		{"v1.0.0", "v1.0.0", false},
		{"v1.9.9", "v2.0.0", true},
		{"v1.2.0", "v1.10.0", true},
	}
	for _, tt := range tests {
		if got := ParseVersion(tt.a).IsOlderThan(ParseVersion(tt.b)); got != tt.want {
			t.Errorf("%s older than %s = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTruncateReleaseNotes(t *testing.T) {
	short := "small notes"
	if got := truncateReleaseNotes(short, 500); got != short {
		t.Errorf("short notes changed: %q", got)
	}

	long := strings.Repeat("x", 600)
	got := truncateReleaseNotes(long, 500)
	if len(got) != 503 || !strings.HasSuffix(got, "...") {
		t.Errorf("long notes not truncated: len=%d", len(got))
	}
}

func newTestChecker(t *testing.T, version, releaseJSON string, status int) *Checker {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(releaseJSON))
	}))
	t.Cleanup(srv.Close)

	c := NewChecker(version)
	c.releaseURL = srv.URL
	return c
}

func TestCheckReportsNewerRelease(t *testing.T) {
	c := newTestChecker(t, "v1.0.0",
		`{"tag_name":"v1.1.0","html_url":"https://example.com/rel","body":"fixes"}`,
		http.StatusOK)

	info := c.Check(false)
	if info.Error != "" {
		t.Fatalf("unexpected error: %s", info.Error)
	}
	if !info.Available {
		t.Error("update not reported as available")
	}
	if info.LatestVersion != "v1.1.0" || info.ReleaseURL != "https://example.com/rel" {
		t.Errorf("info = %+v", info)
	}
}

func TestCheckDevBuildNeverUpdates(t *testing.T) {
	c := newTestChecker(t, "dev-abc1234",
		`{"tag_name":"v9.9.9"}`, http.StatusOK)

	info := c.Check(false)
	if info.Available {
		t.Error("dev build reported update available")
	}
	if !info.IsDev {
		t.Error("dev build not flagged as dev")
	}
}

func TestCheckUsesCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"tag_name":"v1.1.0"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewChecker("v1.0.0")
	c.releaseURL = srv.URL

	c.Check(false)
	c.Check(false)
	if calls != 1 {
		t.Errorf("API calls = %d, want 1 (cached)", calls)
	}

	c.Check(true)
	if calls != 2 {
		t.Errorf("API calls after force refresh = %d, want 2", calls)
	}

	c.ClearCache()
	c.Check(false)
	if calls != 3 {
		t.Errorf("API calls after cache clear = %d, want 3", calls)
	}
}

func TestCheckRateLimited(t *testing.T) {
	c := newTestChecker(t, "v1.0.0", `{}`, http.StatusForbidden)

	info := c.Check(false)
	if info.Error == "" || info.Available {
		t.Errorf("info = %+v", info)
	}
}
