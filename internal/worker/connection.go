package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Connection is the connection block of a job payload. Either DSN or the
// discrete fields are set.
type Connection struct {
	Type     string `json:"type"`
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     any    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslmode"`
}

// ConnString returns a postgres connection URL for c.
func (c Connection) ConnString() (string, error) {
	switch strings.ToLower(c.Type) {
	case "", "postgres", "postgresql":
	default:
		return "", fmt.Errorf("unsupported database type %q", c.Type)
	}
	if c.DSN != "" {
		return c.DSN, nil
	}
	if c.Host == "" || c.Database == "" {
		return "", fmt.Errorf("connection needs dsn or host and database")
	}

	port := "5432"
	switch p := c.Port.(type) {
	case float64:
		port = strconv.Itoa(int(p))
	case string:
		if p != "" {
			port = p
		}
	}

	user := c.Username
	if user == "" {
		user = c.User
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, port),
		Path:   "/" + c.Database,
	}
	if user != "" {
		if c.Password != "" {
			u.User = url.UserPassword(user, c.Password)
		} else {
			u.User = url.User(user)
		}
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String(), nil
}

// connectionFrom extracts payload[field].
func connectionFrom(payload json.RawMessage, field string) (Connection, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Connection{}, fmt.Errorf("payload is not a JSON object")
	}
	raw, ok := doc[field]
	if !ok {
		return Connection{}, fmt.Errorf("payload.%s is missing", field)
	}
	var c Connection
	if err := json.Unmarshal(raw, &c); err != nil {
		return Connection{}, fmt.Errorf("payload.%s: %w", field, err)
	}
	return c, nil
}

// Column is one column of a table in a fetched schema.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// Table is one table of a fetched schema.
type Table struct {
	Schema  string   `json:"schema"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// DB is the database access a job needs.
type DB interface {
	Ping(ctx context.Context) error
	ServerVersion(ctx context.Context) (string, error)
	Tables(ctx context.Context) ([]Table, error)
	Close(ctx context.Context) error
}

// Opener opens a DB for a connection.
type Opener func(ctx context.Context, c Connection) (DB, error)

// OpenPostgres is the default Opener.
func OpenPostgres(ctx context.Context, c Connection) (DB, error) {
	connString, err := c.ConnString()
	if err != nil {
		return nil, err
	}
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &pgDB{conn: conn}, nil
}

type pgDB struct {
	conn *pgx.Conn
}

func (d *pgDB) Ping(ctx context.Context) error {
	return d.conn.Ping(ctx)
}

func (d *pgDB) ServerVersion(ctx context.Context) (string, error) {
	var v string
	err := d.conn.QueryRow(ctx, `SHOW server_version`).Scan(&v)
	return v, err
}

func (d *pgDB) Tables(ctx context.Context) ([]Table, error) {
	rows, err := d.conn.Query(ctx,
		`SELECT table_schema, table_name, column_name, data_type, is_nullable = 'YES'
		 FROM information_schema.columns
		 WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		 ORDER BY table_schema, table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	tables := []Table{}
	for rows.Next() {
		var schema, table string
		var col Column
		if err := rows.Scan(&schema, &table, &col.Name, &col.DataType, &col.Nullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		n := len(tables)
		if n == 0 || tables[n-1].Schema != schema || tables[n-1].Name != table {
			tables = append(tables, Table{Schema: schema, Name: table})
			n++
		}
		tables[n-1].Columns = append(tables[n-1].Columns, col)
	}
	return tables, rows.Err()
}

func (d *pgDB) Close(ctx context.Context) error {
	return d.conn.Close(ctx)
}
