package sqlstore

import (
	"context"
	"strings"
	"time"

	"github.com/ChuLiYu/cube-builder/internal/retry"
)

// contentionPolicy is used for every write transaction. busy_timeout covers
// SQLITE_BUSY at the connection level; the remaining transient codes are
// retried here.
var contentionPolicy = retry.Policy{
	MaxAttempts: 4,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// isTransientSQLiteErr reports errors a retry can resolve:
//   - SQLITE_BUSY (5)
//   - SQLITE_LOCKED (6)
//   - SQLITE_IOERR_SHORT_READ (522)
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention runs fn under contentionPolicy.
func retryOnContention(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, contentionPolicy, isTransientSQLiteErr, fn)
}
