package operations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// sqlStatement is one prepared statement with its typed bindings.
type sqlStatement struct {
	stmt   string
	params []any
	fetch  bool
}

// sqlClientOperation runs prepared statements against Postgres or SQLite,
// selected by the conn_str scheme.
//
// Params:
//
//	"conn_str":    string — "postgres://..." uses pgx; anything else opens a
//	                         SQLite file (required)
//	"transaction": bool   — wrap all statements in a single transaction
//	"statements":  array  — [{stmt, params?, fetch?}] (required); "fetch"
//	                         statements decode rows into objects, others
//	                         report rows_affected
//
// Output: "results" — one entry per statement: {"rows": [...]} for fetch
// statements, {"rows_affected": n} otherwise.
type sqlClientOperation struct {
	connStr     string
	driver      string
	transaction bool
	statements  []sqlStatement
}

func init() {
	registry.Register("sql_client", func() registry.Operation { return &sqlClientOperation{} })
}

func (o *sqlClientOperation) Validate(params map[string]any) error {
	o.connStr = paramString(params, "conn_str")
	if o.connStr == "" {
		return errors.New("sql_client: 'conn_str' is required")
	}

	o.driver = "sqlite"
	if strings.HasPrefix(o.connStr, "postgres://") || strings.HasPrefix(o.connStr, "postgresql://") {
		o.driver = "pgx"
	}

	o.transaction = paramBool(params, "transaction")

	raw := paramSlice(params, "statements")
	if len(raw) == 0 {
		return errors.New("sql_client: 'statements' is required")
	}

	o.statements = o.statements[:0]
	for i, s := range raw {
		m, ok := s.(map[string]any)
		if !ok {
			return fmt.Errorf("sql_client: statement %d is not an object", i)
		}

		stmt := sqlStatement{
			stmt:   paramString(m, "stmt"),
			params: paramSlice(m, "params"),
			fetch:  paramBool(m, "fetch"),
		}
		if stmt.stmt == "" {
			return fmt.Errorf("sql_client: statement %d needs 'stmt'", i)
		}

		o.statements = append(o.statements, stmt)
	}

	return nil
}

func (o *sqlClientOperation) Run(ctx context.Context, _ string, _, _ []message.Endpoint, _ map[string]any) (registry.Result, error) {
	db, err := sql.Open(o.driver, o.connStr)
	if err != nil {
		return ko(err), nil
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return ko(err), nil
	}

	var execer interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
		QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	} = db

	var tx *sql.Tx
	if o.transaction {
		tx, err = db.BeginTx(ctx, nil)
		if err != nil {
			return ko(err), nil
		}
		execer = tx
	}

	results := make([]any, 0, len(o.statements))
	for i, s := range o.statements {
		var res any
		if s.fetch {
			res, err = fetchRows(ctx, execer, s)
		} else {
			res, err = execStatement(ctx, execer, s)
		}

		if err != nil {
			if tx != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					return kof("sql_client: statement %d: %v (rollback: %v)", i, err, rbErr), nil
				}
			}
			return kof("sql_client: statement %d: %v", i, err), nil
		}

		results = append(results, res)
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return ko(err), nil
		}
	}

	return ok(map[string]any{"results": results}), nil
}

func execStatement(ctx context.Context, execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, s sqlStatement,
) (any, error) {
	res, err := execer.ExecContext(ctx, s.stmt, s.params...)
	if err != nil {
		return nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return map[string]any{"rows_affected": affected}, nil
}

// fetchRows decodes every row into an object keyed by column name, with
// driver-native Go types passed through as JSON-friendly values.
func fetchRows(ctx context.Context, execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, s sqlStatement,
) (any, error) {
	rows, err := execer.QueryContext(ctx, s.stmt, s.params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return map[string]any{"rows": out}, nil
}

func (o *sqlClientOperation) SetDatastore(kvstore.Store) {}

func (o *sqlClientOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "sql_client",
		Version:     "v1.0.0",
		Description: "run prepared SQL statements against Postgres or SQLite",
	}
}
