// Package sqlsource runs discovery queries over the MySQL and PostgreSQL
// wire interfaces.
package sqlsource

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/node"
)

// Configurer turns a node into driver settings. *probe.Multi is one.
type Configurer interface {
	MySQLConfig(n *node.Node) (*mysql.Config, error)
	PostgresConfig(n *node.Node) (*pgx.ConnConfig, error)
}

// Source answers queries for MYSQL and POSTGRESQL seeds.
type Source struct {
	conf Configurer
	log  hclog.Logger
}

func New(conf Configurer, log hclog.Logger) *Source {
	return &Source{conf: conf, log: logutil.Or(log, "metadata.sql")}
}

// Protocols lists the seed protocols this source serves.
func (s *Source) Protocols() []node.Protocol {
	return []node.Protocol{node.ProtocolMySQL, node.ProtocolPostgreSQL}
}

// Query implements metadata.Source.
func (s *Source) Query(ctx context.Context, seed *node.Node, q metadata.Query) ([]metadata.Row, error) {
	switch seed.Protocol() {
	case node.ProtocolMySQL:
		return s.queryMySQL(ctx, seed, q.SQL)
	case node.ProtocolPostgreSQL:
		return s.queryPostgres(ctx, seed, q.SQL)
	default:
		return nil, failure.Configuration("sqlsource: %s seeds are not supported", seed.Protocol())
	}
}

func (s *Source) queryMySQL(ctx context.Context, seed *node.Node, query string) ([]metadata.Row, error) {
	cfg, err := s.conf.MySQLConfig(seed)
	if err != nil {
		return nil, err
	}
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)
	defer db.Close()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "mysql query")
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []metadata.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r, err := metadata.RowFromValues(vals)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Source) queryPostgres(ctx context.Context, seed *node.Node, query string) ([]metadata.Row, error) {
	cfg, err := s.conf.PostgresConfig(seed)
	if err != nil {
		return nil, err
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres connect")
	}
	defer conn.Close(context.WithoutCancel(ctx))

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "postgres query")
	}
	defer rows.Close()
	var out []metadata.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		r, err := metadata.RowFromValues(vals)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
