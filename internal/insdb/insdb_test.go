package insdb

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"

	"github.com/deej-io/ardupilot/internal/ins"
	"github.com/deej-io/ardupilot/internal/monitoring"
)

func TestOpenWriteClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ins.db")

	d, err := Open(dbPath, Config{Notes: "unit test"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.SessionID() == "" {
		t.Error("expected non-empty session ID")
	}

	d.Sample(0, ins.Gyro, 1000, r3.Vec{X: 0.1, Y: 0.2, Z: 0.3})
	d.Sample(1, ins.Accel, 2000, r3.Vec{X: -9.8})
	d.RecordRegisterAnomaly(monitoring.RegisterAnomaly{
		TimeMicros: 3000, BusID: 1, Bank: 0, Register: 0x1b, Value: 0x18,
	})

	sessionID := d.SessionID()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := d.Written(); got != 3 {
		t.Errorf("Written() = %d, want 3", got)
	}
	if got := d.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0", got)
	}

	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer raw.Close()

	var n int
	if err := raw.QueryRow(`SELECT COUNT(*) FROM batch_samples WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		t.Fatalf("count samples: %v", err)
	}
	if n != 2 {
		t.Errorf("batch_samples count = %d, want 2", n)
	}

	var kind string
	var x float64
	if err := raw.QueryRow(
		`SELECT kind, x FROM batch_samples WHERE session_id = ? AND instance = 1`, sessionID).Scan(&kind, &x); err != nil {
		t.Fatalf("select sample: %v", err)
	}
	if kind != "accel" || x != -9.8 {
		t.Errorf("got kind=%q x=%v, want accel -9.8", kind, x)
	}

	var reg, val int
	if err := raw.QueryRow(
		`SELECT register, value FROM register_anomalies WHERE session_id = ?`, sessionID).Scan(&reg, &val); err != nil {
		t.Fatalf("select anomaly: %v", err)
	}
	if reg != 0x1b || val != 0x18 {
		t.Errorf("got register=%#x value=%#x, want 0x1b 0x18", reg, val)
	}

	var ended sql.NullFloat64
	var count int
	if err := raw.QueryRow(
		`SELECT ended_at, sample_count FROM capture_sessions WHERE session_id = ?`, sessionID).Scan(&ended, &count); err != nil {
		t.Fatalf("select session: %v", err)
	}
	if !ended.Valid {
		t.Error("expected ended_at to be set after Close")
	}
	if count != 3 {
		t.Errorf("sample_count = %d, want 3", count)
	}
}

func TestConfigFlags(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ins.db")
	d, err := Open(dbPath, Config{SensorRate: true, PostFilter: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if !d.SensorRate() {
		t.Error("SensorRate() = false, want true")
	}
	if !d.PostFilter() {
		t.Error("PostFilter() = false, want true")
	}
}

func TestFullQueueDrops(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ins.db")
	d, err := Open(dbPath, Config{QueueDepth: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Fill well past the queue depth. Sample must never block, so the
	// overflow shows up in the drop counter instead.
	for i := 0; i < 100; i++ {
		d.Sample(0, ins.Gyro, int64(i), r3.Vec{X: float64(i)})
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if d.Written()+d.Dropped() != 100 {
		t.Errorf("written %d + dropped %d != 100", d.Written(), d.Dropped())
	}
}

func TestOfferAfterClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ins.db")
	d, err := Open(dbPath, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	d.Sample(0, ins.Gyro, 1000, r3.Vec{Z: 1})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Producers detach asynchronously, so sink calls can still arrive
	// after Close. They must be counted as dropped, not panic.
	d.Sample(0, ins.Gyro, 2000, r3.Vec{Z: 2})
	d.RecordRegisterAnomaly(monitoring.RegisterAnomaly{TimeMicros: 3000})

	if got := d.Written(); got != 1 {
		t.Errorf("Written() = %d, want 1", got)
	}
	if got := d.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestSampleCount(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ins.db")
	d, err := Open(dbPath, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 5; i++ {
		d.Sample(0, ins.Accel, int64(i)*1000, r3.Vec{Z: 9.8})
	}
	sessionID := d.SessionID()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := Open(dbPath, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()

	n, err := d2.SampleCount(sessionID)
	if err != nil {
		t.Fatalf("SampleCount: %v", err)
	}
	if n != 5 {
		t.Errorf("SampleCount = %d, want 5", n)
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"busy", errors.New("SQLITE_BUSY"), true},
		{"other", errors.New("no such table"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteBusy(tt.err); got != tt.want {
				t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Run("success after retry", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return errors.New("SQLITE_BUSY")
			}
			return nil
		})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		calls := 0
		want := errors.New("no such table")
		err := retryOnBusy(func() error {
			calls++
			return want
		})
		if err != want {
			t.Errorf("err = %v, want %v", err, want)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		if err == nil {
			t.Error("expected error")
		}
		if calls != maxBusyRetries {
			t.Errorf("calls = %d, want %d", calls, maxBusyRetries)
		}
	})
}
