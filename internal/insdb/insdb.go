// Package insdb persists batched inertial samples and register anomalies
// to a sqlite database. Writes go through a bounded queue drained by a
// background goroutine; when the queue is full records are dropped and
// counted rather than blocking the ingestion path.
package insdb

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"

	"github.com/deej-io/ardupilot/internal/ins"
	"github.com/deej-io/ardupilot/internal/monitoring"
)

// schema.sql defines tables for capture sessions, batched vector samples,
// and register-anomaly records.
//
//go:embed schema.sql
var schemaSQL string

const defaultQueueDepth = 4096

// Config selects what the store captures and how much it buffers.
type Config struct {
	// SensorRate captures raw sensor-rate samples instead of
	// pipeline-rate ones.
	SensorRate bool
	// PostFilter captures post-filter samples where available.
	PostFilter bool
	// QueueDepth is the write-queue capacity. Zero means the default.
	QueueDepth int
	// Notes is stored with the session row.
	Notes string
}

type record struct {
	anomaly    *monitoring.RegisterAnomaly
	instance   ins.Handle
	kind       ins.Kind
	timeMicros int64
	v          r3.Vec
	sensorRate bool
}

// InsDB is a sqlite-backed batch sample store. It satisfies both the
// batch-capture and register-anomaly sink interfaces of the ins package.
type InsDB struct {
	*sql.DB

	cfg       Config
	sessionID string

	// sendMu orders offers against Close: offers hold it shared while
	// touching the queue, so the channel is never closed under them.
	sendMu  sync.RWMutex
	closed  atomic.Bool
	queue   chan record
	done    chan struct{}
	written atomic.Uint64
	dropped atomic.Uint64
}

// Open opens or creates the database at path, applies the schema, starts
// a new capture session, and begins draining writes.
func Open(path string, cfg Config) (*InsDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}

	d := &InsDB{
		DB:        db,
		cfg:       cfg,
		sessionID: uuid.New().String(),
		queue:     make(chan record, depth),
		done:      make(chan struct{}),
	}

	err = retryOnBusy(func() error {
		_, err := db.Exec(
			`INSERT INTO capture_sessions (session_id, notes) VALUES (?, ?)`,
			d.sessionID, cfg.Notes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start capture session: %w", err)
	}

	monitoring.Logf("insdb: capture session %s started", d.sessionID)
	go d.drain()
	return d, nil
}

// SessionID returns the identifier of the current capture session.
func (d *InsDB) SessionID() string { return d.sessionID }

// Written returns the number of records persisted so far.
func (d *InsDB) Written() uint64 { return d.written.Load() }

// Dropped returns the number of records discarded because the write
// queue was full.
func (d *InsDB) Dropped() uint64 { return d.dropped.Load() }

// Sample enqueues one pipeline-rate or sensor-rate sample. Never blocks.
func (d *InsDB) Sample(instance ins.Handle, kind ins.Kind, timeMicros int64, v r3.Vec) {
	d.offer(record{
		instance:   instance,
		kind:       kind,
		timeMicros: timeMicros,
		v:          v,
		sensorRate: d.cfg.SensorRate,
	})
}

// SensorRate reports whether the store captures raw sensor-rate samples.
func (d *InsDB) SensorRate() bool { return d.cfg.SensorRate }

// PostFilter reports whether the store wants post-filter samples.
func (d *InsDB) PostFilter() bool { return d.cfg.PostFilter }

// RecordRegisterAnomaly enqueues one register-anomaly record. Never blocks.
func (d *InsDB) RecordRegisterAnomaly(a monitoring.RegisterAnomaly) {
	d.offer(record{anomaly: &a})
}

// offer enqueues a record without blocking. Records arriving after Close,
// or while the queue is full, are counted as dropped.
func (d *InsDB) offer(r record) {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed.Load() {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- r:
	default:
		d.dropped.Add(1)
	}
}

func (d *InsDB) drain() {
	defer close(d.done)
	for r := range d.queue {
		var err error
		if r.anomaly != nil {
			a := r.anomaly
			err = retryOnBusy(func() error {
				_, err := d.Exec(
					`INSERT INTO register_anomalies (session_id, time_us, bus_id, bank, register, value)
					 VALUES (?, ?, ?, ?, ?, ?)`,
					d.sessionID, a.TimeMicros, a.BusID, a.Bank, a.Register, a.Value)
				return err
			})
		} else {
			err = retryOnBusy(func() error {
				_, err := d.Exec(
					`INSERT INTO batch_samples (session_id, instance, kind, time_us, x, y, z, sensor_rate)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					d.sessionID, int(r.instance), r.kind.String(), r.timeMicros,
					r.v.X, r.v.Y, r.v.Z, boolInt(r.sensorRate))
				return err
			})
		}
		if err != nil {
			d.dropped.Add(1)
			monitoring.Logf("insdb: write failed: %v", err)
			continue
		}
		d.written.Add(1)
	}
}

// Close flushes the queue, finalizes the session row, and closes the
// database. Sink calls that race with or follow Close are counted as
// dropped instead of panicking on the closed queue.
func (d *InsDB) Close() error {
	d.sendMu.Lock()
	if !d.closed.Swap(true) {
		close(d.queue)
	}
	d.sendMu.Unlock()
	<-d.done

	err := retryOnBusy(func() error {
		_, err := d.Exec(
			`UPDATE capture_sessions
			 SET ended_at = UNIXEPOCH('subsec'), sample_count = ?, dropped_count = ?
			 WHERE session_id = ?`,
			d.written.Load(), d.dropped.Load(), d.sessionID)
		return err
	})
	if err != nil {
		d.DB.Close()
		return fmt.Errorf("failed to finalize capture session: %w", err)
	}

	monitoring.Logf("insdb: capture session %s closed, %d written, %d dropped",
		d.sessionID, d.written.Load(), d.dropped.Load())
	return d.DB.Close()
}

// SampleCount returns the number of persisted samples for the given
// session, or for the current session when sessionID is empty.
func (d *InsDB) SampleCount(sessionID string) (int, error) {
	if sessionID == "" {
		sessionID = d.sessionID
	}
	var n int
	err := d.QueryRow(
		`SELECT COUNT(*) FROM batch_samples WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const maxBusyRetries = 5

// isSQLiteBusy reports whether err is a transient SQLITE_BUSY condition
// worth retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn up to maxBusyRetries times with exponential backoff
// while it keeps returning SQLITE_BUSY. Other errors fail immediately.
func retryOnBusy(fn func() error) error {
	var err error
	delay := 10 * time.Millisecond
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
	}
	return fmt.Errorf("giving up after %d retries: %w", maxBusyRetries, err)
}
