package clickhouse

import (
	"context"
	"fmt"

	"stablepool-radar/internal/domain"
	"stablepool-radar/internal/storage"
)

// ScanRecordStore implements storage.ScanRecordStore using ClickHouse.
// One row per discovery pass; rows are never updated.
type ScanRecordStore struct {
	conn *Conn
}

// NewScanRecordStore creates a new ScanRecordStore.
func NewScanRecordStore(conn *Conn) *ScanRecordStore {
	return &ScanRecordStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ScanRecordStore = (*ScanRecordStore)(nil)

// Insert appends a scan record.
func (s *ScanRecordStore) Insert(ctx context.Context, r *domain.ScanRecord) error {
	if r == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO scan_records (
			scanned_at, pools_found, mints_found, duration_ms, endpoint, failures
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	err := s.conn.Exec(ctx, query,
		r.ScannedAt,
		int32(r.PoolsFound),
		int32(r.MintsFound),
		r.DurationMs,
		r.Endpoint,
		int32(r.Failures),
	)
	if err != nil {
		return fmt.Errorf("insert scan record: %w", err)
	}
	return nil
}

// Recent returns the most recent scan records, newest first.
func (s *ScanRecordStore) Recent(ctx context.Context, limit int) ([]*domain.ScanRecord, error) {
	query := `
		SELECT scanned_at, pools_found, mints_found, duration_ms, endpoint, failures
		FROM scan_records
		ORDER BY scanned_at DESC
		LIMIT ?
	`

	rows, err := s.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query scan records: %w", err)
	}
	defer rows.Close()

	var records []*domain.ScanRecord
	for rows.Next() {
		var r domain.ScanRecord
		var pools, mints, failures int32
		if err := rows.Scan(&r.ScannedAt, &pools, &mints, &r.DurationMs, &r.Endpoint, &failures); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		r.PoolsFound = int(pools)
		r.MintsFound = int(mints)
		r.Failures = int(failures)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan records: %w", err)
	}
	return records, nil
}
