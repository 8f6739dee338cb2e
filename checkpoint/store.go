// Package checkpoint keeps named snapshots of the document so a user can
// roll back after a bad sync or a lost device.
package checkpoint

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rohanthewiz/serr"
)

// Tags distinguish user-created checkpoints from automatic ones.
const (
	TagManual = "manual"
	TagAuto   = "auto"
)

// DDL for the checkpoints table. The payload is the msgpack snapshot;
// checksum is the hex SHA-256 of the payload so a damaged row is detected
// before it is restored.
const DDLCreateCheckpointsTable = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id          VARCHAR PRIMARY KEY,
    label       VARCHAR NOT NULL,
    tag         VARCHAR NOT NULL,
    version     BIGINT NOT NULL,
    device_ids  VARCHAR,
    created_at  TIMESTAMP NOT NULL,
    payload     BLOB NOT NULL,
    checksum    VARCHAR NOT NULL
);
`

// Store persists checkpoints in DuckDB.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the checkpoint database at path.
// An empty path opens an in-memory database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, serr.Wrap(err, "failed to open checkpoint database")
	}
	if _, err := db.Exec(DDLCreateCheckpointsTable); err != nil {
		db.Close()
		return nil, serr.Wrap(err, "failed to create checkpoints table")
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// row is one stored checkpoint.
type row struct {
	ID        string
	Label     string
	Tag       string
	Version   int64
	DeviceIDs sql.NullString
	CreatedAt time.Time
	Payload   []byte
	Checksum  string
}

func (s *Store) insert(ctx context.Context, r row) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, label, tag, version, device_ids, created_at, payload, checksum)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Label, r.Tag, r.Version, r.DeviceIDs, r.CreatedAt, r.Payload, r.Checksum,
	)
	if err != nil {
		return serr.Wrap(err, "failed to insert checkpoint")
	}
	return nil
}

// list returns checkpoint metadata, newest first. Payloads are not loaded.
func (s *Store) list(ctx context.Context) ([]row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, tag, version, device_ids, created_at, checksum
		 FROM checkpoints ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, serr.Wrap(err, "failed to list checkpoints")
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.ID, &r.Label, &r.Tag, &r.Version, &r.DeviceIDs, &r.CreatedAt, &r.Checksum); err != nil {
			return nil, serr.Wrap(err, "failed to scan checkpoint")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "failed to iterate checkpoints")
	}
	return out, nil
}

func (s *Store) get(ctx context.Context, id string) (*row, error) {
	var r row
	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, tag, version, device_ids, created_at, payload, checksum
		 FROM checkpoints WHERE id = ?`, id,
	).Scan(&r.ID, &r.Label, &r.Tag, &r.Version, &r.DeviceIDs, &r.CreatedAt, &r.Payload, &r.Checksum)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get checkpoint")
	}
	return &r, nil
}

func (s *Store) delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
		return serr.Wrap(err, "failed to delete checkpoint")
	}
	return nil
}

func (s *Store) lastCreated(ctx context.Context, tag string) (time.Time, bool, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT max(created_at) FROM checkpoints WHERE tag = ?`, tag,
	).Scan(&at)
	if err != nil {
		return time.Time{}, false, serr.Wrap(err, "failed to query newest checkpoint")
	}
	return at.Time, at.Valid, nil
}
