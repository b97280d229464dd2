package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	var tickers int
	for _, f := range cfg.Feeds {
		if f.Ticker {
			tickers++
		}
	}
	if tickers != 2 {
		t.Errorf("ticker feeds = %d, want 2", tickers)
	}
}

func TestLoadMissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("IONIC_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("IONIC_SHARED_DIR", "/tmp/shared")
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9999" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Messaging.SharedDir != "/tmp/shared" {
		t.Errorf("SharedDir = %q", cfg.Messaging.SharedDir)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.UI.PageSize = 7
	cfg.Feeds = cfg.Feeds[:1]
	if err := cfg.SaveTo(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.UI.PageSize != 7 || len(got.Feeds) != 1 {
		t.Errorf("round trip: page=%d feeds=%d", got.UI.PageSize, len(got.Feeds))
	}
}

func TestValidateRejectsBadFeeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Feeds = append(cfg.Feeds, cfg.Feeds[0])
	if err := cfg.Validate(); err == nil {
		t.Error("duplicate collection should be rejected")
	}

	cfg = DefaultConfig()
	cfg.Feeds[0].Kind = "radio"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown kind should be rejected")
	}

	cfg = DefaultConfig()
	cfg.Feeds[0].PollIntervalMs = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero poll interval should be rejected")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{not json"), 0600)
	if _, err := LoadFrom(path); err == nil {
		t.Error("corrupt config should fail to load")
	}
}

func TestSettingsBlob(t *testing.T) {
	kv := NewKV(DefaultKVPath(t.TempDir()))

	s, err := LoadSettings(kv)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("incidentlist", "display", "filter"); ok {
		t.Error("fresh settings should be empty")
	}

	s.Set("incidentlist", "display", "filter", "type")
	s.Set("rtfeeds", "ticker", "windowMinutes", 60)
	if err := SaveSettings(kv, s); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSettings(kv)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := got.Get("incidentlist", "display", "filter"); !ok || v != "type" {
		t.Errorf("filter = %v (%v)", v, ok)
	}
	if v, _ := got.Get("rtfeeds", "ticker", "windowMinutes"); v != float64(60) {
		t.Errorf("windowMinutes = %v", v)
	}
	if _, ok := got[SettingsSchemaVersion]; !ok {
		t.Error("settings not nested under schema version")
	}
}

func TestKVKeepsOtherKeys(t *testing.T) {
	kv := NewKV(filepath.Join(t.TempDir(), "kv.json"))
	if err := kv.Set("other", 1); err != nil {
		t.Fatal(err)
	}
	SaveSettings(kv, Settings{})
	var v int
	if ok, err := kv.Get("other", &v); !ok || err != nil || v != 1 {
		t.Errorf("other key lost: ok=%v err=%v v=%d", ok, err, v)
	}
}

func TestLoadSettingsNullBlob(t *testing.T) {
	kv := NewKV(filepath.Join(t.TempDir(), "kv.json"))
	if err := kv.Set(SettingsKey, nil); err != nil {
		t.Fatal(err)
	}
	s, err := LoadSettings(kv)
	if err != nil {
		t.Fatal(err)
	}
	if s == nil {
		t.Fatal("LoadSettings returned a nil map")
	}
	s.Set("incidentlist", "display", "sort", "asc")
	if v, ok := s.Get("incidentlist", "display", "sort"); !ok || v != "asc" {
		t.Errorf("sort = %v (%v)", v, ok)
	}
}
