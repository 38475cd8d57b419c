package mysql

import (
	"errors"

	"github.com/go-mysql-org/go-mysql/mysql"
	mysqldriver "github.com/go-sql-driver/mysql"
)

var ErrLockNotAcquired = errors.New("destination table is locked by another loader")

// ER_CLIENT_LOCAL_FILES_DISABLED, returned by 8.0 servers with local_infile=OFF.
const errClientLocalFilesDisabled = 3948

func errorCode(err error) (uint16, bool) {
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number, true
	}
	return 0, false
}

// IsDuplicateKey reports a unique or primary key violation.
func IsDuplicateKey(err error) bool {
	code, ok := errorCode(err)
	return ok && (code == mysql.ER_DUP_ENTRY || code == mysql.ER_DUP_KEY || code == mysql.ER_DUP_UNIQUE)
}

// IsRetryable reports errors after which the same statement may succeed.
func IsRetryable(err error) bool {
	code, ok := errorCode(err)
	return ok && (code == mysql.ER_LOCK_DEADLOCK || code == mysql.ER_LOCK_WAIT_TIMEOUT)
}

// IsNotAllowed reports that the server or client refused LOAD DATA LOCAL.
func IsNotAllowed(err error) bool {
	code, ok := errorCode(err)
	return ok && (code == mysql.ER_NOT_ALLOWED_COMMAND || code == errClientLocalFilesDisabled)
}
