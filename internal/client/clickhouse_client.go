package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"rada-service/internal/config"
)

var errClickHouseClosed = errors.New("clickhouse client closed")

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseClient writes the settlement audit ledger.
type ClickHouseClient struct {
	conn   driver.Conn
	table  string
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewClickHouseClient creates a new ClickHouse client with TLS support
func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chConfig := cfg.ClickHouse
	if !identifierRe.MatchString(chConfig.Database) || !identifierRe.MatchString(chConfig.Table) {
		return nil, fmt.Errorf("invalid clickhouse database or table name %q.%q", chConfig.Database, chConfig.Table)
	}

	opts := &ch.Options{
		Addr: []string{extractHostPort(chConfig.URL)},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
		Compression:      &ch.Compression{Method: ch.CompressionLZ4},
	}

	if cfg.IsProduction() || strings.HasPrefix(chConfig.URL, "https://") {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: extractHostname(chConfig.URL),
		}
		if chConfig.CAFile != "" {
			caCert, err := os.ReadFile(chConfig.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to append CA cert")
			}
			tlsConfig.RootCAs = caCertPool
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	c := &ClickHouseClient{
		conn:   conn,
		table:  chConfig.Database + "." + chConfig.Table,
		logger: logger.Named("clickhouse"),
	}
	if err := c.ensureSettlementTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	c.logger.Info("ClickHouse client initialized successfully",
		zap.String("url", chConfig.URL),
		zap.String("table", c.table),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)
	return c, nil
}

func (c *ClickHouseClient) ensureSettlementTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	event_id String,
	event_type LowCardinality(String),
	invoice_id String,
	user_id Int64,
	order_ref String,
	service LowCardinality(String),
	state LowCardinality(String),
	reason String,
	transaction_id String,
	amount_sats Int64,
	amount_kes Decimal(18, 2),
	rate Decimal(18, 2),
	attribution_risk Bool,
	occurred_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree
ORDER BY (invoice_id, occurred_at, event_id)`, c.table)

	if err := c.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create settlement table: %w", err)
	}
	return nil
}

// InsertSettlementRows appends rows in settlement table column order as one batch.
func (c *ClickHouseClient) InsertSettlementRows(ctx context.Context, rows [][]interface{}) error {
	return c.BatchInsert(ctx, "INSERT INTO "+c.table, rows)
}

// BatchInsert performs high-performance batch inserts
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, data [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return errClickHouseClosed
	}
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range data {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}

	return batch.Send()
}

// HealthCheck verifies ClickHouse connectivity
func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return errClickHouseClosed
	}
	return c.conn.Ping(ctx)
}

// Close gracefully closes the connection
func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	c.conn = nil
	c.logger.Info("ClickHouse connection closed")
	return nil
}

// extractHostPort turns an http(s) URL into the native protocol address,
// defaulting to 9440 for TLS and 9000 otherwise.
func extractHostPort(url string) string {
	hostPort := strings.TrimPrefix(strings.TrimPrefix(url, "http://"), "https://")
	hostPort = strings.TrimPrefix(hostPort, "clickhouse://")
	if i := strings.IndexByte(hostPort, '/'); i >= 0 {
		hostPort = hostPort[:i]
	}
	if !strings.Contains(hostPort, ":") {
		if strings.HasPrefix(url, "https://") {
			return hostPort + ":9440"
		}
		return hostPort + ":9000"
	}
	return hostPort
}

func extractHostname(url string) string {
	return strings.Split(extractHostPort(url), ":")[0]
}
