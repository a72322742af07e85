package provenance

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/oklog/ulid/v2"
)

//go:embed schema.sql
var schema string

type DBConfig struct {
	DSN  string `name:"dsn" env:"DATABASE_DSN" help:"MySQL DSN for the provenance store"`
	User string `name:"user" env:"DATABASE_USER" help:"database user (overrides the DSN)"`
	Pass string `name:"pass" env:"DATABASE_PASSWORD" help:"database password (overrides the DSN)"`
}

// OpenMySQL opens and pings the database described by cfg
func OpenMySQL(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if len(cfg.DSN) == 0 {
		return nil, fmt.Errorf("--database.dsn flag or BCST_DATABASE_DSN environment variable required")
	}
	dbcfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if len(cfg.User) > 0 {
		dbcfg.User = cfg.User
	}
	if len(cfg.Pass) > 0 {
		dbcfg.Passwd = cfg.Pass
	}
	dbcfg.ParseTime = true
	dbcfg.Loc = time.UTC

	connector, err := mysql.NewConnector(dbcfg)
	if err != nil {
		return nil, err
	}
	dbconn := sql.OpenDB(connector)
	dbconn.SetConnMaxLifetime(time.Minute * 3)
	dbconn.SetMaxOpenConns(10)
	dbconn.SetMaxIdleConns(5)

	if err := dbconn.PingContext(ctx); err != nil {
		dbconn.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	return dbconn, nil
}

type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Migrate creates the sessions table if needed
func (m *MySQLStore) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("provenance schema: %w", err)
	}
	return nil
}

func (m *MySQLStore) Record(ctx context.Context, s Session) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO transfer_sessions
		   (id, started, completed, first_block, last_block, sources)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.Started.UTC(), s.Completed.UTC(),
		s.FirstBlock, s.LastBlock, joinSources(s.Sources),
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", s.ID, err)
	}
	return nil
}

const selectSessions = `SELECT id, started, completed, first_block, last_block, sources
  FROM transfer_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s       Session
		id      string
		sources string
	)
	err := row.Scan(&id, &s.Started, &s.Completed, &s.FirstBlock, &s.LastBlock, &sources)
	if err != nil {
		return nil, err
	}
	if s.ID, err = ulid.ParseStrict(id); err != nil {
		return nil, fmt.Errorf("session id %q: %w", id, err)
	}
	if s.Sources, err = splitSources(sources); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MySQLStore) Get(ctx context.Context, id ulid.ULID) (*Session, error) {
	row := m.db.QueryRowContext(ctx, selectSessions+" WHERE id = ?", id.String())
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (m *MySQLStore) Recent(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		return []Session{}, nil
	}
	rows, err := m.db.QueryContext(ctx, selectSessions+" ORDER BY started DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	r := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		r = append(r, *s)
	}
	return r, rows.Err()
}
