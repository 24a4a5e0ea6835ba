package config

import (
	"strings"
	"testing"
)

func TestGetByPath(t *testing.T) {
	cfg := validConfig()
	v, err := GetByPath(cfg, "server.port")
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(8788) {
		t.Errorf("server.port = %v", v)
	}
	v, err = GetByPath(cfg, "session.resetCommands.2")
	if err != nil {
		t.Fatal(err)
	}
	if v != "新对话" {
		t.Errorf("resetCommands.2 = %v", v)
	}
	if _, err := GetByPath(cfg, "server.nope"); err == nil {
		t.Error("expected error for unknown key")
	}
	if _, err := GetByPath(cfg, "session.resetCommands.9"); err == nil {
		t.Error("expected error for out of range index")
	}
}

func TestSetByPath(t *testing.T) {
	cfg := validConfig()

	steps := []struct {
		path, value string
		check       func() bool
	}{
		{"server.port", "9001", func() bool { return cfg.Server.Port == 9001 }},
		{"media.enabled", "true", func() bool { return cfg.Media.Enabled }},
		{"wecom.token", "12345", func() bool { return cfg.WeCom.Token == "12345" }},
		{"upstream.token", "98765432", func() bool { return cfg.Upstream.Token == "98765432" }},
		{"upstream.fallbackUrls", "http://a/v1,http://b/v1", func() bool {
			return len(cfg.Upstream.FallbackURLs) == 2 && cfg.Upstream.FallbackURLs[0] == "http://a/v1"
		}},
		{"session.resetCommands", "/a, /b", func() bool {
			return len(cfg.Session.ResetCommands) == 2 && cfg.Session.ResetCommands[1] == "/b"
		}},
	}
	for _, s := range steps {
		if err := SetByPath(cfg, s.path, s.value); err != nil {
			t.Fatalf("SetByPath(%s): %v", s.path, err)
		}
		if !s.check() {
			t.Errorf("%s not applied: %+v", s.path, cfg)
		}
	}
}

func TestSetByPath_Rejects(t *testing.T) {
	cfg := validConfig()
	for _, path := range []string{"server.bogus", "bogus.port", "server"} {
		if err := SetByPath(cfg, path, "1"); err == nil {
			t.Errorf("SetByPath(%s) should fail", path)
		}
	}
	if err := SetByPath(cfg, "server.port", "abc"); err == nil {
		t.Error("non-numeric port should fail to apply")
	}
}

func TestSanitize(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.Token = "sk-abcdefghijkl"
	s := Sanitize(cfg)

	if s.WeCom.Token != "***" {
		t.Errorf("short token = %q", s.WeCom.Token)
	}
	if s.WeCom.EncodingAESKey != "abcd****DEFG" {
		t.Errorf("aes key = %q", s.WeCom.EncodingAESKey)
	}
	if s.Upstream.Token != "sk-a****ijkl" {
		t.Errorf("upstream token = %q", s.Upstream.Token)
	}
	if cfg.WeCom.EncodingAESKey != testAESKey {
		t.Error("Sanitize modified the original")
	}
}

func TestListPaths(t *testing.T) {
	entries := ListPaths(validConfig())
	if len(entries) == 0 {
		t.Fatal("no entries")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Path > entries[i].Path {
			t.Fatalf("not sorted at %d", i)
		}
	}
	found := false
	for _, e := range entries {
		if e.Path == "stream.sweepSchedule" {
			found = true
			if !strings.HasPrefix(e.Value.(string), "@every") {
				t.Errorf("sweepSchedule = %v", e.Value)
			}
		}
	}
	if !found {
		t.Error("stream.sweepSchedule missing")
	}
}
