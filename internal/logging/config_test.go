package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	if lvl, ok := parseLevel(" Warning "); !ok || lvl != zerolog.WarnLevel {
		t.Fatalf("warning: got=%v ok=%v", lvl, ok)
	}
	if lvl, ok := parseLevel("off"); !ok || lvl != zerolog.Disabled {
		t.Fatalf("off: got=%v ok=%v", lvl, ok)
	}
	if _, ok := parseLevel(""); ok {
		t.Fatalf("empty level should not override")
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("unknown level should not override")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogNoColor, "1")
	t.Setenv(EnvLogBypass, "nope")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("level=%v", cfg.Level)
	}
	if !cfg.Timestamp || !cfg.NoColor {
		t.Fatalf("unexpected flags: %+v", cfg)
	}
	if cfg.Bypass {
		t.Fatalf("invalid bool must not enable bypass")
	}
}
