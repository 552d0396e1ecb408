package probe

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"

	"github.com/amirimatin/go-nodepool/pkg/node"
)

const defaultUser = "default"

func login(n *node.Node) (user, password string) {
	user = defaultUser
	if c := n.Credentials(); c != nil {
		if c.User != "" {
			user = c.User
		}
		password = c.Password
	}
	return user, password
}

func connectTimeout(n *node.Node) time.Duration {
	if d := n.Config().ConnectTimeout; d > 0 {
		return d
	}
	return node.DefaultConfig().ConnectTimeout
}

// MySQLConfig is the driver configuration for n's MySQL interface.
func (m *Multi) MySQLConfig(n *node.Node) (*mysql.Config, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = n.Address()
	cfg.User, cfg.Passwd = login(n)
	cfg.DBName = n.Database()
	cfg.Timeout = connectTimeout(n)
	cfg.ReadTimeout = n.Config().SocketTimeout
	cfg.AllowNativePasswords = true
	tlsCfg, err := m.tlsFor(n)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		cfg.TLS = tlsCfg
	}
	return cfg, nil
}

// PostgresConfig is the pgx configuration for n's PostgreSQL interface.
func (m *Multi) PostgresConfig(n *node.Node) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig("")
	if err != nil {
		return nil, err
	}
	cfg.Host = n.Host()
	cfg.Port = uint16(n.Port())
	cfg.User, cfg.Password = login(n)
	cfg.Database = n.Database()
	cfg.ConnectTimeout = connectTimeout(n)
	cfg.DialFunc = m.dialer.DialContext
	cfg.Fallbacks = nil
	if cfg.TLSConfig, err = m.tlsFor(n); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *Multi) pingMySQL(ctx context.Context, n *node.Node) error {
	cfg, err := m.MySQLConfig(n)
	if err != nil {
		return err
	}
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return err
	}
	db := sql.OpenDB(conn)
	defer db.Close()
	db.SetMaxIdleConns(0)
	return db.PingContext(ctx)
}

func (m *Multi) pingPostgres(ctx context.Context, n *node.Node) error {
	cfg, err := m.PostgresConfig(n)
	if err != nil {
		return err
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))
	return conn.Ping(ctx)
}
