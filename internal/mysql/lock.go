package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxLockNameLength = 64

// lockName derives the advisory lock name for a destination table. Names
// longer than the server limit are replaced by a name-based UUID.
func lockName(table string) string {
	name := "table-loader:" + table
	if len(name) <= maxLockNameLength {
		return name
	}
	return "table-loader:" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(table)).String()
}

func acquireLock(ctx context.Context, conn sessionConn, name string, timeout time.Duration) error {
	var got sql.NullInt64
	seconds := int64(timeout / time.Second)
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, seconds).Scan(&got); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !got.Valid {
		return fmt.Errorf("failed to acquire lock %s: server returned NULL", name)
	}
	if got.Int64 != 1 {
		return fmt.Errorf("%w: %s", ErrLockNotAcquired, name)
	}
	return nil
}

func releaseLock(ctx context.Context, conn sessionConn, name string) error {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", name).Scan(&released); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
