package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lkrzak/mniam-headless/internal/config"
)

type fakeAlerts struct {
	maxAge time.Duration
	calls  int
	err    error
}

func (f *fakeAlerts) CleanOldAlerts(maxAge time.Duration) (int64, error) {
	f.calls++
	f.maxAge = maxAge
	return 3, f.err
}

func TestNextRunTime(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewScheduler(cfg, nil)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before", time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC), time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC)},
		{"exactly", time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC), time.Date(2024, 5, 2, 4, 0, 0, 0, time.UTC)},
		{"after", time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC), time.Date(2024, 5, 2, 4, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.nextRunTime(tt.now); !got.Equal(tt.want) {
				t.Errorf("nextRunTime(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestRunMaintenance(t *testing.T) {
	cfg := config.DefaultConfig()
	appData := cfg.GetApplicationData()
	appData.Logging.Directory = t.TempDir()
	appData.Logging.MaxBackups = 1
	appData.Maintenance.AlertRetentionDays = 7
	cfg.SetApplicationData(appData)

	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"old.log", "new.log"} {
		p := filepath.Join(appData.Logging.Directory, name)
		if err := os.WriteFile(p, nil, 0644); err != nil {
			t.Fatal(err)
		}
		ts := base.Add(time.Duration(i) * time.Minute)
		os.Chtimes(p, ts, ts)
	}

	alerts := &fakeAlerts{err: errors.New("locked")}
	NewScheduler(cfg, alerts).RunMaintenance()

	if alerts.calls != 1 || alerts.maxAge != 7*24*time.Hour {
		t.Errorf("CleanOldAlerts calls = %d, maxAge = %v", alerts.calls, alerts.maxAge)
	}
	if fileExists(filepath.Join(appData.Logging.Directory, "old.log")) {
		t.Error("old log survived")
	}
}

func TestStartDisabledReturns(t *testing.T) {
	cfg := config.DefaultConfig()
	appData := cfg.GetApplicationData()
	appData.Maintenance.Enabled = false
	cfg.SetApplicationData(appData)

	done := make(chan struct{})
	go func() {
		NewScheduler(cfg, nil).Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
