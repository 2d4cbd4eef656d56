// Package store provides a partitioned key-value table on sqlite with
// optimistic concurrency. Every entity is addressed by (partitionKey,
// rowKey) and carries an opaque etag that changes on every write;
// ConditionalUpdate refuses to overwrite an entity whose etag no longer
// matches the one the caller read.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

var (
	// ErrEntityExists is returned by Add when the (partitionKey, rowKey)
	// pair is already taken.
	ErrEntityExists = errors.New("store: entity already exists")

	// ErrConflict is returned by ConditionalUpdate when the stored etag
	// does not match the caller's, signaling a concurrent modification.
	ErrConflict = errors.New("store: etag mismatch")

	// ErrTableName is returned for table names that are not plain
	// lowercase identifiers.
	ErrTableName = errors.New("store: invalid table name")
)

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Entity is a single row of a partitioned table.
type Entity struct {
	PartitionKey string
	RowKey       string
	ETag         string
	Timestamp    time.Time
	Props        map[string]string
}

// Prop returns a property value, or "" when absent.
func (e *Entity) Prop(key string) string {
	if e.Props == nil {
		return ""
	}
	return e.Props[key]
}

// Store is the sqlite-backed table service.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at the given path.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTableIfNotExists creates the named table. Calling it for an
// existing table is a no-op.
func (s *Store) CreateTableIfNotExists(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrTableName, name)
	}
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q(
                        partition_key text NOT NULL,
                        row_key text NOT NULL,
                        etag text NOT NULL,
                        ts timestamp NOT NULL,
                        props text NOT NULL,
                        PRIMARY KEY(partition_key, row_key)
                        )`, name))
		return err
	})
}

// Get fetches one entity. The second return value reports whether the
// entity exists; a missing row is a normal branch, not an error.
func (s *Store) Get(table, partitionKey, rowKey string) (*Entity, bool, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, false, fmt.Errorf("%w: %q", ErrTableName, table)
	}

	row := s.db.QueryRow(
		fmt.Sprintf(`SELECT partition_key, row_key, etag, ts, props FROM %q WHERE partition_key = ? AND row_key = ?`, table),
		partitionKey, rowKey)

	entity, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entity, true, nil
}

// Add inserts a new entity, failing with ErrEntityExists when the keys
// are already taken. A fresh etag is written back into the entity.
func (s *Store) Add(table string, entity *Entity) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrTableName, table)
	}

	props, err := json.Marshal(entity.Props)
	if err != nil {
		return fmt.Errorf("failed to encode props: %w", err)
	}

	etag := uuid.NewString()
	now := time.Now().UTC()

	err = s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			fmt.Sprintf(`INSERT INTO %q(partition_key, row_key, etag, ts, props) VALUES (?, ?, ?, ?, ?)`, table),
			entity.PartitionKey, entity.RowKey, etag, now, string(props))
		return err
	})
	if err != nil {
		serr, ok := err.(*sqlite.Error)
		if ok && (serr.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY || serr.Code() == sqlitelib.SQLITE_CONSTRAINT) {
			return ErrEntityExists
		}
		return err
	}

	entity.ETag = etag
	entity.Timestamp = now
	return nil
}

// Upsert inserts or overwrites unconditionally.
func (s *Store) Upsert(table string, entity *Entity) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrTableName, table)
	}

	props, err := json.Marshal(entity.Props)
	if err != nil {
		return fmt.Errorf("failed to encode props: %w", err)
	}

	etag := uuid.NewString()
	now := time.Now().UTC()

	err = s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			fmt.Sprintf(`INSERT INTO %q(partition_key, row_key, etag, ts, props) VALUES (?, ?, ?, ?, ?)
                         ON CONFLICT(partition_key, row_key) DO UPDATE SET etag = excluded.etag, ts = excluded.ts, props = excluded.props`, table),
			entity.PartitionKey, entity.RowKey, etag, now, string(props))
		return err
	})
	if err != nil {
		return err
	}

	entity.ETag = etag
	entity.Timestamp = now
	return nil
}

// ConditionalUpdate overwrites the entity only while its stored etag
// still equals the given one, otherwise fails with ErrConflict. On
// success the entity carries the new etag.
func (s *Store) ConditionalUpdate(table string, entity *Entity, etag string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrTableName, table)
	}

	props, err := json.Marshal(entity.Props)
	if err != nil {
		return fmt.Errorf("failed to encode props: %w", err)
	}

	newEtag := uuid.NewString()
	now := time.Now().UTC()

	var affected int64
	err = s.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			fmt.Sprintf(`UPDATE %q SET etag = ?, ts = ?, props = ? WHERE partition_key = ? AND row_key = ? AND etag = ?`, table),
			newEtag, now, string(props), entity.PartitionKey, entity.RowKey, etag)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}

	entity.ETag = newEtag
	entity.Timestamp = now
	return nil
}

// Delete removes one entity. Deleting a missing entity is a no-op.
func (s *Store) Delete(table, partitionKey, rowKey string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrTableName, table)
	}
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			fmt.Sprintf(`DELETE FROM %q WHERE partition_key = ? AND row_key = ?`, table),
			partitionKey, rowKey)
		return err
	})
}

// Query returns all entities of one partition. Results are unordered.
func (s *Store) Query(table, partitionKey string) ([]Entity, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrTableName, table)
	}
	return s.queryRows(
		fmt.Sprintf(`SELECT partition_key, row_key, etag, ts, props FROM %q WHERE partition_key = ?`, table),
		partitionKey)
}

// QueryAll returns every entity of the table. Results are unordered.
func (s *Store) QueryAll(table string) ([]Entity, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrTableName, table)
	}
	return s.queryRows(
		fmt.Sprintf(`SELECT partition_key, row_key, etag, ts, props FROM %q`, table))
}

func (s *Store) queryRows(query string, args ...interface{}) ([]Entity, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *entity)
	}
	return entities, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row scannable) (*Entity, error) {
	var entity Entity
	var props string
	if err := row.Scan(&entity.PartitionKey, &entity.RowKey, &entity.ETag, &entity.Timestamp, &props); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &entity.Props); err != nil {
		return nil, fmt.Errorf("failed to decode props: %w", err)
	}
	return &entity, nil
}

// wrapTransaction runs the given function within a transaction.
func (s *Store) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		return nil
	}
}
