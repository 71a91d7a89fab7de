package util

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitLoggerCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path, err := InitLogger(LogConfig{Level: "debug", Directory: dir, MaxBackups: 5, RunID: "run-1"})
	if err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "mniam_") {
		t.Errorf("log file = %s", path)
	}
	if !FileExists(path) {
		t.Error("log file not created")
	}
}

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"a.log", "b.log", "c.log", "keep.txt"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, nil, 0644); err != nil {
			t.Fatal(err)
		}
		ts := base.Add(time.Duration(i) * time.Minute)
		os.Chtimes(p, ts, ts)
	}

	if removed := CleanOldLogs(dir, 2); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if FileExists(filepath.Join(dir, "a.log")) {
		t.Error("oldest log survived")
	}
	if !FileExists(filepath.Join(dir, "c.log")) || !FileExists(filepath.Join(dir, "keep.txt")) {
		t.Error("newer files removed")
	}
}

func TestEnsureSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls", "api.crt")
	key := filepath.Join(dir, "tls", "api.key")

	created, err := EnsureSelfSignedCert(cert, key, "10.0.0.5", "mniam.local")
	if err != nil || !created {
		t.Fatalf("EnsureSelfSignedCert = %v, %v", created, err)
	}
	if _, err := tls.LoadX509KeyPair(cert, key); err != nil {
		t.Fatalf("generated pair does not load: %v", err)
	}

	created, err = EnsureSelfSignedCert(cert, key)
	if err != nil || created {
		t.Errorf("second call = %v, %v; want existing files kept", created, err)
	}
}

func TestGetUsageReportsGoroutines(t *testing.T) {
	u, _ := GetUsage(t.TempDir())
	if u.Goroutines < 1 || u.SampledAt.IsZero() {
		t.Errorf("usage = %+v", u)
	}
	if GetSystemInfo().CPUCores < 1 {
		t.Error("no CPU cores reported")
	}
}

func TestRollingFileMovesFullFileAside(t *testing.T) {
	dir := t.TempDir()
	r, err := openRollingFile(dir, 16, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	first := r.Path()
	r.Write([]byte("0123456789\n"))
	r.Write([]byte("0123456789\n"))

	if r.Path() != first {
		t.Errorf("path changed to %s", r.Path())
	}
	aside := strings.TrimSuffix(first, ".log") + "_1.log"
	data, err := os.ReadFile(aside)
	if err != nil || string(data) != "0123456789\n" {
		t.Fatalf("rolled file = %q, %v", data, err)
	}
	data, _ = os.ReadFile(first)
	if string(data) != "0123456789\n" {
		t.Errorf("active file = %q", data)
	}
}
