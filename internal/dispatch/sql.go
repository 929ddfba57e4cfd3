package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/paulexconde/csat/pkg/fault"
	pkgstore "github.com/paulexconde/csat/pkg/store"
)

const resultsSchema = `
CREATE TABLE IF NOT EXISTS csat_results (
	token        TEXT PRIMARY KEY,
	subject_id   TEXT NOT NULL,
	score        INTEGER NOT NULL,
	comment      TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL,
	category     TEXT NOT NULL,
	submitted_at TIMESTAMP NOT NULL,
	delivered_at TIMESTAMP NOT NULL
)`

type resultRow struct {
	Token       string    `db:"token"`
	SubjectID   string    `db:"subject_id"`
	Score       int       `db:"score"`
	Comment     string    `db:"comment"`
	Language    string    `db:"language"`
	Category    string    `db:"category"`
	SubmittedAt time.Time `db:"submitted_at"`
	DeliveredAt time.Time `db:"delivered_at"`
}

// SQLSink writes results into the csat_results table. Rows are keyed by token
// so a redelivered result is ignored.
type SQLSink struct {
	db     *sqlx.DB
	insert string
}

func NewSQLSink(db *sqlx.DB) *SQLSink {
	columns, placeholders := pkgstore.InsertColumns(resultRow{})
	return &SQLSink{
		db:     db,
		insert: fmt.Sprintf("INSERT INTO csat_results (%s) VALUES (%s) ON CONFLICT (token) DO NOTHING", columns, placeholders),
	}
}

// OpenPostgresSink connects to Postgres and makes sure the results table exists.
func OpenPostgresSink(ctx context.Context, dsn string) (*SQLSink, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect results database: %w", err)
	}
	sink := NewSQLSink(db)
	if err := sink.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, resultsSchema); err != nil {
		return fmt.Errorf("create csat_results: %w", err)
	}
	return nil
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}

func (s *SQLSink) Deliver(ctx context.Context, key string, payload Payload) error {
	row := resultRow{
		Token:       key,
		SubjectID:   payload.SubjectID,
		Score:       payload.Score,
		Comment:     payload.Comment,
		Language:    payload.Language,
		Category:    payload.Category,
		SubmittedAt: payload.SubmittedAt,
		DeliveredAt: payload.Timestamp,
	}

	if _, err := s.db.NamedExecContext(ctx, s.insert, row); err != nil {
		return classifySQLError(err)
	}
	return nil
}

// classifySQLError splits Postgres failures by SQLSTATE class: connection,
// transaction rollback, resource and operator intervention problems are worth
// retrying, everything else the server rejected is not.
func classifySQLError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57", "58":
			return fault.Transient("insert result", err)
		default:
			return fault.Permanent("insert result", err)
		}
	}
	// Bad connections, timeouts and other client side failures.
	return fault.Transient("insert result", err)
}
