package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"singularitytrainer.ai/internal/trainer"
)

// SQLiteIndex is a queryable secondary index of runs, ticks and finished
// episodes. Writes go through a queue drained by one goroutine; the tick
// loop never waits on the database.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick atomic.Uint64
	dropRun  atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqOpenRun
	reqCloseRun
)

type req struct {
	kind reqKind

	tick  trainer.TickReport
	run   trainer.RunInfo
	runID string
	at    time.Time
}

// QueueStats reports writer backlog and drops since open.
type QueueStats struct {
	QueueDepth    int
	QueueCapacity int
	DropTickTotal uint64
	DropRunTotal  uint64
}

const runEnqueueWait = time.Second

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			codec TEXT NOT NULL,
			policy TEXT NOT NULL,
			session_id INTEGER NOT NULL,
			contexts INTEGER NOT NULL,
			training INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			session_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			contexts INTEGER NOT NULL,
			reward_sum REAL NOT NULL,
			dones INTEGER NOT NULL,
			latency_ms REAL NOT NULL,
			reward_ema REAL NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_run_outcome ON ticks(run_id, outcome);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			run_id TEXT NOT NULL,
			context_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			return REAL NOT NULL,
			steps INTEGER NOT NULL,
			PRIMARY KEY (run_id, context_id, seq)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTickTotal: s.dropTick.Load(),
		DropRunTotal:  s.dropRun.Load(),
	}
}

func (s *SQLiteIndex) RecordTick(r trainer.TickReport) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: r}:
	default:
		// Drop if the indexer falls behind; the tick log remains the source of truth.
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) OpenRun(info trainer.RunInfo) error {
	return s.enqueueRun(req{kind: reqOpenRun, run: info})
}

func (s *SQLiteIndex) CloseRun(runID string, at time.Time) error {
	return s.enqueueRun(req{kind: reqCloseRun, runID: runID, at: at})
}

// enqueueRun waits briefly for queue space: run rows are rare and the
// other tables reference them.
func (s *SQLiteIndex) enqueueRun(r req) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	t := time.NewTimer(runEnqueueWait)
	defer t.Stop()
	select {
	case s.ch <- r:
		return nil
	case <-t.C:
		s.dropRun.Add(1)
		return fmt.Errorf("index queue full, run event dropped")
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,url,codec,policy,session_id,contexts,training,started_at,session_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	closeRun, _ := s.db.Prepare(`UPDATE runs SET ended_at=? WHERE run_id=?`)
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,at,outcome,contexts,reward_sum,dones,latency_ms,reward_ema) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertEpisode, _ := s.db.Prepare(`INSERT OR REPLACE INTO episodes(run_id,context_id,seq,tick,return,steps) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, closeRun, insertTick, insertEpisode} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqOpenRun:
			if insertRun == nil {
				continue
			}
			info := r.run
			b, _ := json.Marshal(info.Session)
			if _, err := tx.Stmt(insertRun).Exec(
				info.RunID,
				info.URL,
				info.Codec,
				string(info.Policy),
				info.Session.SessionID,
				info.Session.Contexts,
				boolInt(info.Session.Training),
				info.StartedAt.UTC().Format(time.RFC3339Nano),
				string(b),
			); err != nil {
				rollback()
				continue
			}
			opCount++
			// Make the run visible right away.
			commit()

		case reqCloseRun:
			if closeRun == nil {
				continue
			}
			if _, err := tx.Stmt(closeRun).Exec(r.at.UTC().Format(time.RFC3339Nano), r.runID); err != nil {
				rollback()
				continue
			}
			opCount++
			commit()

		case reqTick:
			t := r.tick
			sum, dones := 0.0, 0
			for _, v := range t.Rewards {
				sum += v
			}
			for _, d := range t.Dones {
				if d {
					dones++
				}
			}
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(
					t.RunID,
					int64(t.Tick),
					t.At.UTC().Format(time.RFC3339Nano),
					string(t.Outcome),
					len(t.Contexts),
					sum,
					dones,
					t.LatencyMS,
					t.RewardEMA,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for _, ep := range t.Episodes {
				if insertEpisode == nil {
					break
				}
				if _, err := tx.Stmt(insertEpisode).Exec(t.RunID, ep.ContextID, ep.Seq, int64(t.Tick), ep.Return, ep.Steps); err != nil {
					rollback()
					break
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
