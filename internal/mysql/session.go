package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/security"
)

var (
	variableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	numberPattern       = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
	keywordPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

const restoreTimeout = 10 * time.Second

// sessionConn is satisfied by *sql.Conn.
type sessionConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type savedVariable struct {
	name  string
	value sql.NullString
}

// Session applies session variables on a pinned connection and puts the
// previous values back on Restore.
type Session struct {
	conn   sessionConn
	vars   map[string]string
	saved  []savedVariable
	logger *zap.Logger
}

func NewSession(conn sessionConn, vars map[string]string, logger *zap.Logger) (*Session, error) {
	for name := range vars {
		if !variableNamePattern.MatchString(name) {
			return nil, fmt.Errorf("invalid session variable name %q", name)
		}
	}
	return &Session{conn: conn, vars: vars, logger: logger}, nil
}

// Apply snapshots and sets each variable in name order. Variables with an
// empty value are left alone. On error the variables already applied stay
// recorded, so Restore still undoes them.
func (s *Session) Apply(ctx context.Context) error {
	names := make([]string, 0, len(s.vars))
	for name, value := range s.vars {
		if value == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var current sql.NullString
		if err := s.conn.QueryRowContext(ctx, "SELECT @@SESSION."+name).Scan(&current); err != nil {
			return fmt.Errorf("failed to read session variable %s: %w", name, err)
		}

		stmt := fmt.Sprintf("SET SESSION %s = %s", name, literal(s.vars[name]))
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set session variable %s: %w", name, err)
		}
		s.saved = append(s.saved, savedVariable{name: name, value: current})

		s.logger.Debug("Session variable applied",
			zap.String("name", name),
			zap.String("value", s.vars[name]),
			zap.String("previous", current.String))
	}
	return nil
}

// Restore sets every applied variable back in reverse order. It runs even
// when ctx is already cancelled.
func (s *Session) Restore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()

	var firstErr error
	for i := len(s.saved) - 1; i >= 0; i-- {
		v := s.saved[i]
		value := "DEFAULT"
		if v.value.Valid {
			value = literal(v.value.String)
		}
		if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("SET SESSION %s = %s", v.name, value)); err != nil {
			s.logger.Error("Failed to restore session variable",
				zap.String("name", v.name),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to restore session variable %s: %w", v.name, err)
			}
		}
	}
	s.saved = nil
	return firstErr
}

func literal(value string) string {
	if numberPattern.MatchString(value) || keywordPattern.MatchString(value) {
		return value
	}
	return security.QuoteString(value)
}
