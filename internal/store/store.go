package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit bounds the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// SQLiteStore persists all engine state in an embedded SQLite database with
// WAL mode. It is the single shared mutable surface of the engine: the
// scheduler writes target due-times and tiers, the lease manager writes lease
// state, and sync runs and activity events are append-only.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	targetStmts   targetStatements
	leaseStmts    leaseStatements
	activityStmts activityStatements
	runStmts      runStatements
}

// Statement groups keep the struct readable instead of a flat list of fields.
type targetStatements struct {
	upsert, get, getByUserKind, listEnabled, listByUser, updateSchedule, afterRun, disable *sql.Stmt
}

type leaseStatements struct {
	get, getByChannel, put *sql.Stmt
}

type activityStatements struct {
	append, prune *sql.Stmt
}

type runStatements struct {
	append, prune *sql.Stmt
}

// NewStore opens the database at dbPath, applies migrations, and prepares all
// repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening engine state database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Sole-writer pattern: one connection serializes writers and keeps
	// ":memory:" databases coherent in tests.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("engine state database ready", slog.String("path", dbPath))

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

// prepareAllStatements prepares every repeated statement up front so query
// errors surface at startup rather than mid-schedule.
func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	prep := func(dst **sql.Stmt, query string) error {
		stmt, err := s.db.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("%q: %w", query, err)
		}

		*dst = stmt

		return nil
	}

	pairs := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.targetStmts.upsert, sqlUpsertTarget},
		{&s.targetStmts.get, sqlGetTarget},
		{&s.targetStmts.getByUserKind, sqlGetTargetByUserKind},
		{&s.targetStmts.listEnabled, sqlListEnabledTargets},
		{&s.targetStmts.listByUser, sqlListTargetsByUser},
		{&s.targetStmts.updateSchedule, sqlUpdateTargetSchedule},
		{&s.targetStmts.afterRun, sqlUpdateTargetAfterRun},
		{&s.targetStmts.disable, sqlDisableTarget},
		{&s.leaseStmts.get, sqlGetLease},
		{&s.leaseStmts.getByChannel, sqlGetLeaseByChannel},
		{&s.leaseStmts.put, sqlPutLease},
		{&s.activityStmts.append, sqlAppendActivityEvent},
		{&s.activityStmts.prune, sqlPruneActivityEvents},
		{&s.runStmts.append, sqlAppendRun},
		{&s.runStmts.prune, sqlPruneRuns},
	}

	for _, p := range pairs {
		if err := prep(p.dst, p.query); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the underlying database. Prepared statements are finalized by
// the driver when the connection closes.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
