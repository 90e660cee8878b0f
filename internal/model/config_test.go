package model

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Gateway.Kind != GatewayTelegram {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Scheduler.IntervalSec != 300 || cfg.Reservation.DefaultEstimatedDays != 7 {
		t.Fatalf("unexpected scheduler/reservation defaults %+v", cfg)
	}
	if cfg.DefaultProject() != "default" {
		t.Fatalf("unexpected default project %q", cfg.DefaultProject())
	}
}

func TestSaveThenLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := defaultAppConfig()
	cfg.Projects = []string{"Starky Jungle", "Other"}
	cfg.Admins = []int64{1847178297}
	cfg.Scheduler.IntervalSec = 60
	cfg.Gateway.Kind = GatewayConsole

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Scheduler.IntervalSec != 60 || got.Gateway.Kind != GatewayConsole {
		t.Fatalf("unexpected config %+v", got)
	}
	if len(got.Projects) != 2 || got.DefaultProject() != "Starky Jungle" {
		t.Fatalf("unexpected projects %v", got.Projects)
	}
	if !got.IsAdmin(&User{ID: 1847178297}) {
		t.Fatalf("configured admin not recognised")
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  interval_sec: 60\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TASKBOT_SCHEDULER_INTERVAL_SEC", "30")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.IntervalSec != 30 {
		t.Fatalf("expected env override, got %d", cfg.Scheduler.IntervalSec)
	}
}

func TestUnknownDriverRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: postgres\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestIsAdminByRole(t *testing.T) {
	cfg := defaultAppConfig()
	if !cfg.IsAdmin(&User{ID: 5, Roles: []string{"Admin"}}) {
		t.Fatalf("admin role must grant access")
	}
	if cfg.IsAdmin(&User{ID: 5, Roles: []string{"artist"}}) || cfg.IsAdmin(nil) {
		t.Fatalf("non-admins must be refused")
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	for _, s := range []string{
		"2025-06-20T18:00:00",
		"2025-06-20T18:00:00.123456",
		"2025-06-20T18:00:00+03:00",
		"2025-06-20 18:00",
	} {
		if _, err := ParseTimestamp(s); err != nil {
			t.Fatalf("%q: %v", s, err)
		}
	}
	if _, err := ParseTimestamp("20 June"); err == nil {
		t.Fatalf("expected error")
	}
}
