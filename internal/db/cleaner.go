package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartTombstoneCleaner periodically removes soft-deleted records older
// than the retention window. Tombstones only exist so other devices can
// observe a deletion; once every device has had ample time to pull, the
// row can go. Live rows are never touched here; the only other
// physical delete in the system is the vault disable purge.
func StartTombstoneCleaner(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-retention)
				res, err := db.ExecContext(ctx, `
                    DELETE FROM records
                     WHERE deleted = true
                       AND updated_at < $1
                `, cutoff)
				if err != nil {
					log.Error("failed to clean tombstones", zap.Error(err))
					continue
				}
				if rows, _ := res.RowsAffected(); rows > 0 {
					log.Info("cleaned tombstones", zap.Int64("removed", rows))
				}
			}
		}
	}()
}
