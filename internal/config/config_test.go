package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tachobridge/tacho-bridge/internal/events"
)

type recordingSink struct {
	cardConfigs []events.CardConfigUpdate
	servers     []map[string]string
}

func (r *recordingSink) EmitCardSync(events.CardSync) {}

func (r *recordingSink) EmitCardConfig(e events.CardConfigUpdate) {
	r.cardConfigs = append(r.cardConfigs, e)
}

func (r *recordingSink) EmitServerConfig(p map[string]string) {
	r.servers = append(r.servers, p)
}

type recordingRemover struct {
	removed []string
}

func (r *recordingRemover) Remove(ids ...string) {
	r.removed = append(r.removed, ids...)
}

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.yaml")
}

func TestInitCreatesDefaultFile(t *testing.T) {
	path := tempPath(t)

	st, err := Init(path, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	snap := st.Snapshot()
	if snap.Host != "localhost:1883" {
		t.Errorf("default host = %q", snap.Host)
	}
	if !strings.HasPrefix(snap.Ident, "TBA") || len(snap.Ident) != 16 {
		t.Errorf("default ident = %q, want TBA + 13 digits", snap.Ident)
	}
	if snap.DarkTheme != "auto" {
		t.Errorf("default theme = %q", snap.DarkTheme)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written: %v", err)
	}
}

func TestInitReloadsExistingFile(t *testing.T) {
	path := tempPath(t)
	st, err := Init(path, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := st.UpdateCard("1000000000123", CardConfig{ICCID: "894412345000006789"}); err != nil {
		t.Fatalf("UpdateCard: %v", err)
	}
	ident := st.Snapshot().Ident

	st2, err := Init(path, nil)
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if got := st2.Snapshot().Ident; got != ident {
		t.Errorf("ident after reload = %q, want %q", got, ident)
	}
	if got := st2.LookupCardNumber("894412345000006789"); got != "1000000000123" {
		t.Errorf("LookupCardNumber = %q, want card number", got)
	}
}

func TestInitMigratesLegacyCards(t *testing.T) {
	path := tempPath(t)
	legacy := `name: tacho-bridge
version: "1"
description: old
cards:
  "1000000000123": "894412345000006789"
`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := Init(path, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	snap := st.Snapshot()
	if got := snap.LookupCardNumber("894412345000006789"); got != "1000000000123" {
		t.Errorf("legacy card not migrated, lookup = %q", got)
	}
	if snap.Host != "localhost:1883" {
		t.Errorf("migrated host = %q", snap.Host)
	}
	if snap.Ident == "" {
		t.Error("migration did not assign an ident")
	}
}

func TestLookupCardNumberUnknown(t *testing.T) {
	st, err := Init(tempPath(t), nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := st.LookupCardNumber("000000"); got != "" {
		t.Errorf("lookup of unknown ICCID = %q, want empty", got)
	}
}

func TestRemoveCardDetachesConnection(t *testing.T) {
	sink := &recordingSink{}
	remover := &recordingRemover{}
	st, err := Init(tempPath(t), sink)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	st.SetRemover(remover)

	if err := st.UpdateCard("1000000000123", CardConfig{ICCID: "894412345000006789"}); err != nil {
		t.Fatalf("UpdateCard: %v", err)
	}
	if err := st.RemoveCard("1000000000123"); err != nil {
		t.Fatalf("RemoveCard: %v", err)
	}

	if len(remover.removed) != 1 || remover.removed[0] != "1000000000123" {
		t.Errorf("remover saw %v", remover.removed)
	}
	if len(sink.cardConfigs) != 2 {
		t.Fatalf("card config events = %d, want update + removal", len(sink.cardConfigs))
	}
	if sink.cardConfigs[1].Content != nil {
		t.Error("removal event carries content")
	}
	if got := st.LookupCardNumber("894412345000006789"); got != "" {
		t.Errorf("card still resolvable after removal: %q", got)
	}
}

func TestUpdateServerKeepsUnsetFields(t *testing.T) {
	sink := &recordingSink{}
	st, err := Init(tempPath(t), sink)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	ident := st.Snapshot().Ident

	if err := st.UpdateServer("broker.example.com:8883", "", "dark"); err != nil {
		t.Fatalf("UpdateServer: %v", err)
	}

	snap := st.Snapshot()
	if snap.Host != "broker.example.com:8883" {
		t.Errorf("host = %q", snap.Host)
	}
	if snap.Ident != ident {
		t.Errorf("ident changed to %q", snap.Ident)
	}
	if snap.DarkTheme != "dark" {
		t.Errorf("theme = %q", snap.DarkTheme)
	}
	if len(sink.servers) != 1 {
		t.Fatalf("server events = %d, want 1", len(sink.servers))
	}
	if sink.servers[0]["host"] != "broker.example.com:8883" {
		t.Errorf("event host = %q", sink.servers[0]["host"])
	}
}

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort uint16
		wantErr  bool
	}{
		{"localhost:1883", "localhost", 1883, false},
		{"10.0.0.5:8883", "10.0.0.5", 8883, false},
		{"no-port", "", 0, true},
		{"host:notaport", "", 0, true},
		{"host:99999", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := SplitHostPort(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("SplitHostPort(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("SplitHostPort(%q): %v", tt.in, err)
			continue
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("SplitHostPort(%q) = %q:%d", tt.in, host, port)
		}
	}
}
