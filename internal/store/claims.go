package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tenantsync/internal/domain"
)

// Claim atomically records that the given scheduled occurrence is being
// executed. It returns true only to the caller whose insert created the row;
// every other caller, concurrent or later, gets false.
//
// Uses ON CONFLICT(task_id, scheduled_at, store_id) DO NOTHING. Other
// constraint violations (e.g., NOT NULL) still return errors.
func (s *Store) Claim(ctx context.Context, key domain.ClaimKey) (bool, error) {
	key = domain.NewClaimKey(key.TaskID, key.ScheduledTime, key.StoreID)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_claims
		(task_id, scheduled_at, store_id, claimed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, scheduled_at, store_id) DO NOTHING
	`,
		key.TaskID,
		toMillis(key.ScheduledTime),
		key.StoreID,
		toMillis(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s: rows affected: %w", key, err)
	}
	return rowsAffected > 0, nil
}

// IsClaimed reports whether the occurrence has already been claimed.
func (s *Store) IsClaimed(ctx context.Context, key domain.ClaimKey) (bool, error) {
	key = domain.NewClaimKey(key.TaskID, key.ScheduledTime, key.StoreID)

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM execution_claims
		WHERE task_id = ? AND scheduled_at = ? AND store_id = ?
	`, key.TaskID, toMillis(key.ScheduledTime), key.StoreID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check claim %s: %w", key, err)
	}
	return count > 0, nil
}

// MarkProcessed records that a store record has been handled. Same winner
// semantics as Claim.
func (s *Store) MarkProcessed(ctx context.Context, storeID, recordID string) (bool, error) {
	storeID, recordID = domain.Canonical(storeID), domain.Canonical(recordID)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages
		(store_id, record_id, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(store_id, record_id) DO NOTHING
	`, storeID, recordID, toMillis(s.now()))
	if err != nil {
		return false, fmt.Errorf("mark processed %s/%s: %w", storeID, recordID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed %s/%s: rows affected: %w", storeID, recordID, err)
	}
	return rowsAffected > 0, nil
}

// IsProcessed reports whether a store record has already been handled.
func (s *Store) IsProcessed(ctx context.Context, storeID, recordID string) (bool, error) {
	storeID, recordID = domain.Canonical(storeID), domain.Canonical(recordID)

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_messages
		WHERE store_id = ? AND record_id = ?
	`, storeID, recordID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check processed %s/%s: %w", storeID, recordID, err)
	}
	return count > 0, nil
}

// PruneResult reports how many rows Prune removed from each table.
type PruneResult struct {
	Claims    int64 `json:"claims"`
	Processed int64 `json:"processed"`
}

// Prune deletes claim and processed-message rows recorded more than
// olderThanDays days ago. Task schedules are not pruned.
func (s *Store) Prune(ctx context.Context, olderThanDays int) (PruneResult, error) {
	if olderThanDays < 0 {
		return PruneResult{}, fmt.Errorf("prune: negative retention %d", olderThanDays)
	}
	cutoff := toMillis(s.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var res PruneResult
	claims, err := tx.ExecContext(ctx, `DELETE FROM execution_claims WHERE claimed_at < ?`, cutoff)
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune: claims: %w", err)
	}
	if res.Claims, err = claims.RowsAffected(); err != nil {
		return PruneResult{}, fmt.Errorf("prune: claims rows affected: %w", err)
	}

	processed, err := tx.ExecContext(ctx, `DELETE FROM processed_messages WHERE processed_at < ?`, cutoff)
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune: processed: %w", err)
	}
	if res.Processed, err = processed.RowsAffected(); err != nil {
		return PruneResult{}, fmt.Errorf("prune: processed rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PruneResult{}, fmt.Errorf("prune: commit: %w", err)
	}
	return res, nil
}

// NextExecution returns the persisted next due time of a task for a store.
// ok is false when the pair has never been scheduled.
func (s *Store) NextExecution(ctx context.Context, storeID, taskID string) (next time.Time, ok bool, err error) {
	storeID, taskID = domain.Canonical(storeID), domain.Canonical(taskID)

	var ms int64
	err = s.db.QueryRowContext(ctx, `
		SELECT next_execution_at FROM task_schedules
		WHERE store_id = ? AND task_id = ?
	`, storeID, taskID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next execution %s/%s: %w", storeID, taskID, err)
	}
	return fromMillis(ms), true, nil
}

// SetNextExecution upserts the next due time of a task for a store.
func (s *Store) SetNextExecution(ctx context.Context, storeID, taskID string, next time.Time) error {
	storeID, taskID = domain.Canonical(storeID), domain.Canonical(taskID)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_schedules
		(store_id, task_id, next_execution_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(store_id, task_id) DO UPDATE SET
			next_execution_at = excluded.next_execution_at,
			updated_at = excluded.updated_at
	`, storeID, taskID, toMillis(next), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("set next execution %s/%s: %w", storeID, taskID, err)
	}
	return nil
}
