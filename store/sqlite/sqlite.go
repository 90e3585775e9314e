package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/breez/replica-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteSyncStorage struct {
	db *sql.DB
}

func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// A single connection serializes writers and keeps in-memory databases
	// alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrationDriver, "replica-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteSyncStorage{db: db}, nil
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteSyncStorage) GetRecord(ctx context.Context, ownerId, id string) (*store.StoredRecord, error) {
	record := store.StoredRecord{}
	var revision int64
	err := s.db.QueryRowContext(ctx, "SELECT id, owner_id, data, revision FROM records WHERE id = ?", id).
		Scan(&record.Id, &record.OwnerId, &record.Data, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if record.OwnerId != ownerId {
		return nil, store.ErrPermissionDenied
	}
	record.Revision = uint64(revision)
	return &record, nil
}

// checkOwner reports whether the record exists, failing when it belongs to
// another owner.
func checkOwner(ctx context.Context, tx *sql.Tx, ownerId, id string) (bool, error) {
	var owner string
	err := tx.QueryRowContext(ctx, "SELECT owner_id FROM records WHERE id = ?", id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get record's owner: %w", err)
	}
	if owner != ownerId {
		return true, store.ErrPermissionDenied
	}
	return true, nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx, ownerId string) (int64, error) {
	var newRevision int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO owner_revisions (owner_id, revision) VALUES (?, 1)
		 ON CONFLICT (owner_id) DO UPDATE SET revision = revision + 1
		 RETURNING revision`, ownerId).Scan(&newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to update owner's revision: %w", err)
	}
	return newRevision, nil
}

func currentRevision(ctx context.Context, tx *sql.Tx, ownerId string) (int64, error) {
	var revision int64
	err := tx.QueryRowContext(ctx, "SELECT revision FROM owner_revisions WHERE owner_id = ?", ownerId).Scan(&revision)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to get owner's latest revision: %w", err)
	}
	return revision, nil
}

func (s *SQLiteSyncStorage) SetRecord(ctx context.Context, ownerId, id string, data []byte) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := checkOwner(ctx, tx, ownerId, id); err != nil {
		return 0, err
	}
	newRevision, err := bumpRevision(ctx, tx, ownerId)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, owner_id, data, revision) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data, revision = excluded.revision`,
		id, ownerId, data, newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return uint64(newRevision), nil
}

func (s *SQLiteSyncStorage) DeleteRecord(ctx context.Context, ownerId, id string) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := checkOwner(ctx, tx, ownerId, id)
	if err != nil {
		return 0, err
	}
	if !exists {
		revision, err := currentRevision(ctx, tx, ownerId)
		return uint64(revision), err
	}
	newRevision, err := bumpRevision(ctx, tx, ownerId)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id); err != nil {
		return 0, fmt.Errorf("failed to delete record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return uint64(newRevision), nil
}

func (s *SQLiteSyncStorage) ListRecords(ctx context.Context, ownerId string) ([]store.StoredRecord, uint64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	revision, err := currentRevision(ctx, tx, ownerId)
	if err != nil {
		return nil, 0, err
	}

	rows, err := tx.QueryContext(ctx, "SELECT id, owner_id, data, revision FROM records WHERE owner_id = ? ORDER BY id", ownerId)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.StoredRecord, 0)
	for rows.Next() {
		record := store.StoredRecord{}
		var recordRevision int64
		err = rows.Scan(&record.Id, &record.OwnerId, &record.Data, &recordRevision)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan record: %w", err)
		}
		record.Revision = uint64(recordRevision)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, uint64(revision), nil
}
