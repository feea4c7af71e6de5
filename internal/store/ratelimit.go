package store

import (
	"database/sql"
	"fmt"
	"time"
)

// RateLimitSnapshot is the singleton row tracking the agent CLI's last-known
// usage state.
type RateLimitSnapshot struct {
	Tier      string
	Used      int64
	Limit     int64
	Percent   float64
	IsLimited bool
	ResetAt   int64
	Raw       string
	UpdatedAt int64
}

// SaveRateLimitSnapshot upserts the singleton rate-limit row, called on
// every probe.
func (s *Store) SaveRateLimitSnapshot(r *RateLimitSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.UpdatedAt == 0 {
		r.UpdatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(`
		INSERT INTO rate_limits (id, tier, used, limit_value, percent, is_limited, reset_at, raw, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier, used = excluded.used, limit_value = excluded.limit_value,
			percent = excluded.percent, is_limited = excluded.is_limited,
			reset_at = excluded.reset_at, raw = excluded.raw, updated_at = excluded.updated_at`,
		r.Tier, r.Used, r.Limit, r.Percent, boolToInt(r.IsLimited),
		nullInt(r.ResetAt), r.Raw, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save rate limit snapshot: %w", err)
	}
	return nil
}

// GetRateLimitSnapshot reads the singleton rate-limit row. Returns nil if no
// probe has ever run.
func (s *Store) GetRateLimitSnapshot() (*RateLimitSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := &RateLimitSnapshot{}
	var isLimited int
	var resetAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT tier, used, limit_value, percent, is_limited, reset_at, raw, updated_at
		FROM rate_limits WHERE id = 1`,
	).Scan(&r.Tier, &r.Used, &r.Limit, &r.Percent, &isLimited, &resetAt, &r.Raw, &r.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit snapshot: %w", err)
	}

	r.IsLimited = isLimited != 0
	r.ResetAt = resetAt.Int64
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
