package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/breez/replica-sync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgSyncStorage struct {
	db *pgxpool.Pool
}

func NewPGSyncStorage(databaseURL string) (*PgSyncStorage, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"replica-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgSyncStorage{db: pgxPool}, nil
}

func (s *PgSyncStorage) Close() {
	s.db.Close()
}

func (s *PgSyncStorage) GetRecord(ctx context.Context, ownerId, id string) (*store.StoredRecord, error) {
	record := store.StoredRecord{}
	var revision int64
	err := s.db.QueryRow(ctx, "SELECT id, owner_id, data, revision FROM records WHERE id = $1", id).
		Scan(&record.Id, &record.OwnerId, &record.Data, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
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

func checkOwner(ctx context.Context, tx pgx.Tx, ownerId, id string) (bool, error) {
	var owner string
	err := tx.QueryRow(ctx, "SELECT owner_id FROM records WHERE id = $1", id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
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

func bumpRevision(ctx context.Context, tx pgx.Tx, ownerId string) (int64, error) {
	var newRevision int64
	err := tx.QueryRow(ctx,
		`INSERT INTO owner_revisions (owner_id, revision) VALUES ($1, 1)
		 ON CONFLICT (owner_id) DO UPDATE SET revision = owner_revisions.revision + 1
		 RETURNING revision`, ownerId).Scan(&newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to update owner's revision: %w", err)
	}
	return newRevision, nil
}

func currentRevision(ctx context.Context, tx pgx.Tx, ownerId string) (int64, error) {
	var revision int64
	err := tx.QueryRow(ctx, "SELECT revision FROM owner_revisions WHERE owner_id = $1", ownerId).Scan(&revision)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to get owner's latest revision: %w", err)
	}
	return revision, nil
}

func (s *PgSyncStorage) SetRecord(ctx context.Context, ownerId, id string, data []byte) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	if _, err := checkOwner(ctx, tx, ownerId, id); err != nil {
		return 0, err
	}
	newRevision, err := bumpRevision(ctx, tx, ownerId)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO records (id, owner_id, data, revision) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, revision = EXCLUDED.revision`,
		id, ownerId, data, newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return uint64(newRevision), nil
}

func (s *PgSyncStorage) DeleteRecord(ctx context.Context, ownerId, id string) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

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
	if _, err := tx.Exec(ctx, "DELETE FROM records WHERE id = $1", id); err != nil {
		return 0, fmt.Errorf("failed to delete record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return uint64(newRevision), nil
}

func (s *PgSyncStorage) ListRecords(ctx context.Context, ownerId string) ([]store.StoredRecord, uint64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	revision, err := currentRevision(ctx, tx, ownerId)
	if err != nil {
		return nil, 0, err
	}

	rows, err := tx.Query(ctx, "SELECT id, owner_id, data, revision FROM records WHERE owner_id = $1 ORDER BY id", ownerId)
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
