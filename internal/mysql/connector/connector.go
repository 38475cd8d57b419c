package connector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strconv"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/config"
)

const tlsConfigName = "table-loader"

// Connector builds database/sql handles for the destination server with the
// configured SSL mode.
type Connector struct {
	cfg    *config.MySQLConfig
	logger *zap.Logger
}

func New(cfg *config.MySQLConfig, logger *zap.Logger) *Connector {
	return &Connector{
		cfg:    cfg,
		logger: logger,
	}
}

// Open returns a pool for database and verifies it with a ping. Callers pin
// one connection from it per job.
func (c *Connector) Open(ctx context.Context, database string) (*sql.DB, error) {
	dcfg, err := c.DriverConfig(database)
	if err != nil {
		return nil, err
	}

	conn, err := mysqldriver.NewConnector(dcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create MySQL connector: %w", err)
	}
	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL at %s: %w", dcfg.Addr, err)
	}

	c.logger.Info("Connected to MySQL",
		zap.String("addr", dcfg.Addr),
		zap.String("database", database),
		zap.String("ssl_mode", c.cfg.SSLMode))
	return db, nil
}

// DriverConfig translates the loader configuration into a driver config.
func (c *Connector) DriverConfig(database string) (*mysqldriver.Config, error) {
	dcfg := mysqldriver.NewConfig()
	dcfg.User = c.cfg.Username
	dcfg.Passwd = c.cfg.Password
	dcfg.Net = "tcp"
	dcfg.Addr = net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dcfg.DBName = database
	dcfg.Timeout = c.cfg.ConnectTimeout
	dcfg.ReadTimeout = c.cfg.ReadTimeout
	dcfg.WriteTimeout = c.cfg.ReadTimeout
	dcfg.ParseTime = true
	dcfg.MultiStatements = false
	dcfg.Params = map[string]string{"charset": "utf8mb4"}

	switch c.cfg.SSLMode {
	case config.SSLModeDisabled, "":
		dcfg.TLSConfig = "false"
	case config.SSLModePreferred:
		if c.cfg.SSLCert == "" && c.cfg.SSLCa == "" {
			dcfg.TLSConfig = "preferred"
			break
		}
		fallthrough
	default:
		tlsConfig, err := c.buildTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		if err := mysqldriver.RegisterTLSConfig(tlsConfigName, tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to register TLS config: %w", err)
		}
		dcfg.TLSConfig = tlsConfigName
		c.logger.Debug("SSL/TLS enabled",
			zap.String("mode", c.cfg.SSLMode),
			zap.String("host", c.cfg.Host))
	}
	return dcfg, nil
}

// buildTLSConfig creates a TLS configuration from the MySQL SSL settings
func (c *Connector) buildTLSConfig() (*tls.Config, error) {
	var tlsConfig *tls.Config

	switch c.cfg.SSLMode {
	case config.SSLModePreferred, config.SSLModeRequired:
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	case config.SSLModeVerifyCA:
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	case config.SSLModeVerifyIdentity:
		tlsConfig = &tls.Config{ServerName: c.cfg.Host}
	default:
		return nil, fmt.Errorf("unsupported SSL mode: %s", c.cfg.SSLMode)
	}

	if c.cfg.SSLCert != "" && c.cfg.SSLKey != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.SSLCert, c.cfg.SSLKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if c.cfg.SSLCa != "" {
		caCert, err := os.ReadFile(c.cfg.SSLCa)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if c.cfg.SSLMode == config.SSLModeVerifyCA {
		// Chain is checked against the CA; the hostname is not.
		roots := tlsConfig.RootCAs
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyChain(rawCerts, roots)
		}
	}

	return tlsConfig, nil
}

func verifyChain(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("server presented no certificate")
	}
	certs := make([]*x509.Certificate, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("failed to parse server certificate: %w", err)
		}
		certs[i] = cert
	}
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
	})
	return err
}
