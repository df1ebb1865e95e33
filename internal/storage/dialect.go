package storage

// Dialect isolates the few places where SQLite-family and
// PostgreSQL-family backends genuinely differ. No other package uses it:
// the commit log, push, pull, snapshot and maintenance code run
// PostgreSQL SQL through pgx directly.
type Dialect interface {
	// Name identifies the dialect for logging ("postgres", "sqlite").
	Name() string

	// BoolLiteral renders a boolean as the dialect's literal form.
	// Postgres accepts TRUE/FALSE; SQLite stores booleans as 0/1.
	BoolLiteral(v bool) string

	// JSONColumnType returns the column type used for opaque row/scope
	// JSON payloads (JSONB on Postgres, TEXT on SQLite).
	JSONColumnType() string

	// UpsertClause renders an "insert or replace on conflict" suffix
	// for the given conflict target and update columns.
	UpsertClause(conflictCols []string, updateCols []string) string

	// EnsureSchema bootstraps the dialect's schema DDL against pool.
	EnsureSchema(execer Execer) error
}

// Execer is the minimal surface Dialect.EnsureSchema needs. Neither
// *pgxpool.Pool nor *sql.DB has an ExecDDL method, so either one is
// used through a small adapter.
type Execer interface {
	ExecDDL(ddl string) error
}

// Postgres is the Dialect for the module's target database family.
// Nothing in the module constructs it; the pgx-backed stores do not go
// through a Dialect.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) BoolLiteral(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func (Postgres) JSONColumnType() string { return "JSONB" }

func (Postgres) UpsertClause(conflictCols, updateCols []string) string {
	clause := "ON CONFLICT (" + joinCols(conflictCols) + ") DO "
	if len(updateCols) == 0 {
		return clause + "NOTHING"
	}
	clause += "UPDATE SET "
	for i, c := range updateCols {
		if i > 0 {
			clause += ", "
		}
		clause += c + " = EXCLUDED." + c
	}
	return clause
}

func (Postgres) EnsureSchema(execer Execer) error {
	return execer.ExecDDL(PartitionSchema)
}

func joinCols(cols []string) string {
	s := ""
	for i, c := range cols {
		if i > 0 {
			s += ", "
		}
		s += c
	}
	return s
}

// SQLite is a narrow stub satisfying the Dialect interface for a future
// database/sql-backed client replica store. It is not wired into any
// server-side component in this module — the sync server targets
// Postgres only — but the seam exists so a client-side mirror (out of
// scope for this engine) can share the Dialect abstraction.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) BoolLiteral(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (SQLite) JSONColumnType() string { return "TEXT" }

func (SQLite) UpsertClause(conflictCols, updateCols []string) string {
	clause := "ON CONFLICT(" + joinCols(conflictCols) + ") DO "
	if len(updateCols) == 0 {
		return clause + "NOTHING"
	}
	clause += "UPDATE SET "
	for i, c := range updateCols {
		if i > 0 {
			clause += ", "
		}
		clause += c + " = excluded." + c
	}
	return clause
}

func (SQLite) EnsureSchema(execer Execer) error {
	// Left unimplemented: no SQLite DDL is carried by this module since
	// no server-side component targets it yet.
	return nil
}
