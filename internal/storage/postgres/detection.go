package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kidoz/emulinker-sub000/internal/game/session"
)

// ErrDetectionExists is returned when a detection id is recorded twice.
var ErrDetectionExists = errors.New("detection already recorded")

// ErrDetectionNotFound is returned when a detection lookup yields no results.
var ErrDetectionNotFound = errors.New("detection not found")

// DetectionRepository persists autofire detections.
// It implements session.AuditStore.
type DetectionRepository struct {
	db *pgxpool.Pool
}

// NewDetectionRepository creates a DetectionRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewDetectionRepository(db *pgxpool.Pool) *DetectionRepository {
	return &DetectionRepository{db: db}
}

const detectionColumns = `id, game_id, rom, game_created_at, player_id, player_name,
	address, seat, sensitivity, run_length, detected_at`

// RecordDetection inserts d. A nil id is replaced with a fresh one.
//
// Postcondition: The row exists, or ErrDetectionExists / a wrapped error is returned.
func (r *DetectionRepository) RecordDetection(ctx context.Context, d session.Detection) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO autofire_detections (`+detectionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.GameID, d.ROM, d.GameCreatedAt, d.PlayerID, d.PlayerName,
		d.Address, d.Seat, d.Sensitivity, d.RunLength, d.DetectedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDetectionExists
		}
		return fmt.Errorf("inserting detection: %w", err)
	}
	return nil
}

// Get returns the detection with the given id.
//
// Postcondition: Returns the Detection or ErrDetectionNotFound.
func (r *DetectionRepository) Get(ctx context.Context, id uuid.UUID) (session.Detection, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+detectionColumns+` FROM autofire_detections WHERE id = $1`, id)
	d, err := scanDetection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Detection{}, ErrDetectionNotFound
		}
		return session.Detection{}, fmt.Errorf("querying detection: %w", err)
	}
	return d, nil
}

// Recent returns up to limit detections, newest first. A non-empty player
// restricts the result to that player name.
//
// Precondition: limit must be positive.
func (r *DetectionRepository) Recent(ctx context.Context, player string, limit int) ([]session.Detection, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+detectionColumns+` FROM autofire_detections
		 WHERE $1 = '' OR player_name = $1
		 ORDER BY detected_at DESC, id
		 LIMIT $2`,
		player, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying detections: %w", err)
	}
	defer rows.Close()

	var out []session.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning detection: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating detections: %w", err)
	}
	return out, nil
}

func scanDetection(row pgx.Row) (session.Detection, error) {
	var d session.Detection
	err := row.Scan(&d.ID, &d.GameID, &d.ROM, &d.GameCreatedAt, &d.PlayerID, &d.PlayerName,
		&d.Address, &d.Seat, &d.Sensitivity, &d.RunLength, &d.DetectedAt)
	return d, err
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
