package config

import (
	"path/filepath"
	"testing"
	"time"
)

// isolate points the user config dir at a temp dir so a developer's own
// daymon .env cannot leak into the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv("AppData", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.Mode != ModeHost {
		t.Fatalf("Mode = %q, want %q", cfg.Mode, ModeHost)
	}
	if cfg.Worker.EngineBinary != "claude" || cfg.Worker.RunKeep != 50 {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.Worker.PollInterval != 30*time.Second || cfg.Worker.TaskTimeout != 30*time.Minute {
		t.Fatalf("worker durations = %v/%v", cfg.Worker.PollInterval, cfg.Worker.TaskTimeout)
	}
	if cfg.Nudge.Gap != 3*time.Second || cfg.Sidecar.HealthInterval != 30*time.Second {
		t.Fatalf("nudge gap/health interval = %v/%v", cfg.Nudge.Gap, cfg.Sidecar.HealthInterval)
	}
	if rel, err := filepath.Rel(home, cfg.StateDir); err != nil || filepath.Base(rel) != "daymon" {
		t.Fatalf("StateDir = %q, want a daymon dir under %q", cfg.StateDir, home)
	}
	if cfg.Location() != time.Local {
		t.Fatalf("Location = %v, want Local", cfg.Location())
	}
}

func TestLoadEnvironment(t *testing.T) {
	isolate(t)
	stateDir := t.TempDir()
	t.Setenv("DAYMON_MODE", "Worker")
	t.Setenv("DAYMON_STATE_DIR", stateDir)
	t.Setenv("DAYMON_POLL_INTERVAL", "5s")
	t.Setenv("DAYMON_RUN_KEEP", "7")
	t.Setenv("DAYMON_AUTH_TOKEN", "tok")
	t.Setenv("DAYMON_NUDGE_APP", "Claude")
	t.Setenv("DAYMON_NUDGE_GAP", "-1s")
	t.Setenv("DAYMON_BARK_ENABLED", "yes")
	t.Setenv("DAYMON_BARK_URL", "https://api.day.app/key")
	t.Setenv("DAYMON_USE_UTC", "1")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.Mode != ModeWorker {
		t.Fatalf("Mode = %q, want worker", cfg.Mode)
	}
	if cfg.StateDir != stateDir {
		t.Fatalf("StateDir = %q, want %q", cfg.StateDir, stateDir)
	}
	if cfg.Worker.PollInterval != 5*time.Second || cfg.Worker.RunKeep != 7 || cfg.Worker.AuthToken != "tok" {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.Nudge.App != "Claude" || cfg.Nudge.Gap != 3*time.Second {
		t.Fatalf("nudge = %+v, want app Claude and default gap", cfg.Nudge)
	}
	if !cfg.Notification.Bark.Enabled || cfg.Notification.Bark.URL == "" {
		t.Fatalf("bark = %+v", cfg.Notification.Bark)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("Location = %v, want UTC", cfg.Location())
	}
}

func TestLoadFlagsOverrideEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("DAYMON_MODE", "host")
	t.Setenv("DAYMON_USE_UTC", "true")
	t.Setenv("DAYMON_ENGINE_BINARY", "from-env")
	stateDir := t.TempDir()

	cfg, err := Load([]string{
		"-mode", "mcp",
		"-state-dir", stateDir,
		"-engine", "/usr/local/bin/claude",
		"-use-utc=false",
		"-run-keep", "3",
		"-shutdown-grace", "2s",
		"-log-level", "debug",
	})
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.Mode != ModeMCP || cfg.StateDir != stateDir {
		t.Fatalf("mode/state = %q/%q", cfg.Mode, cfg.StateDir)
	}
	if cfg.Worker.EngineBinary != "/usr/local/bin/claude" || cfg.Worker.RunKeep != 3 {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.UseUTC {
		t.Fatalf("UseUTC = true, want flag to win")
	}
	if cfg.ShutdownGrace != 2*time.Second || cfg.Log.Level != "debug" {
		t.Fatalf("grace/log = %v/%q", cfg.ShutdownGrace, cfg.Log.Level)
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	isolate(t)
	if _, err := Load([]string{"-mode", "daemon", "-state-dir", t.TempDir()}); err == nil {
		t.Fatalf("Load error = nil, want invalid mode")
	}
}
