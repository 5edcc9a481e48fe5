// Package store defines storage interfaces for persisting and retrieving
// trade attempts, positions, and the audit trail.
package store

import (
	"context"
	"errors"

	"tradegate/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by Settle when the stored position
	// version no longer matches the version the caller read.
	ErrVersionConflict = errors.New("store: position version conflict")

	// ErrDuplicateSettlement is returned by Settle when a fill for the same
	// attempt has already been applied.
	ErrDuplicateSettlement = errors.New("store: attempt already settled")
)

// AttemptStore persists trade attempts.
type AttemptStore interface {
	// SaveAttempt inserts or replaces an attempt snapshot.
	SaveAttempt(ctx context.Context, a *domain.TradeAttempt) error

	// GetAttempt retrieves a single attempt by its ID.
	GetAttempt(ctx context.Context, id string) (*domain.TradeAttempt, error)

	// ListAttempts returns a user's most recent attempts, newest first, up to limit.
	ListAttempts(ctx context.Context, userID string, limit int) ([]domain.TradeAttempt, error)
}

// PositionStore persists positions and applies settlements atomically.
type PositionStore interface {
	// GetPosition returns the current position, or a flat position at
	// version 0 when none has been recorded.
	GetPosition(ctx context.Context, userID, symbol string) (domain.Position, error)

	// ListPositions returns all recorded positions for a user.
	ListPositions(ctx context.Context, userID string) ([]domain.Position, error)

	// Settle records the fill, the new position, the settlement audit record
	// and the final attempt snapshot in one atomic step. The position write
	// only succeeds if the stored version still equals s.PriorVersion.
	Settle(ctx context.Context, s Settlement) error
}

// AuditLog is the append-only audit trail.
type AuditLog interface {
	// Append adds one record. A record is durable once Append returns nil.
	Append(ctx context.Context, rec domain.AuditRecord) error

	// ListAudit returns an attempt's records in append order.
	ListAudit(ctx context.Context, attemptID string) ([]domain.AuditRecord, error)
}

// Store bundles every persistence concern the engine needs.
type Store interface {
	AttemptStore
	PositionStore
	AuditLog
	Close() error
}

// Settlement is everything written when a fill is applied.
type Settlement struct {
	PriorVersion int64
	Position     domain.Position
	Fill         domain.Fill
	Audit        domain.AuditRecord
	Attempt      *domain.TradeAttempt
}
