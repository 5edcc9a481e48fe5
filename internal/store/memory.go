package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"tradegate/internal/domain"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store with the same settlement semantics as
// SQLiteStore. Used by tests and the CLI's dry-run mode.
type MemoryStore struct {
	mu        sync.Mutex
	attempts  map[string]domain.TradeAttempt
	positions map[posKey]domain.Position
	fills     map[string]domain.Fill
	audit     []domain.AuditRecord
	seq       int64
}

type posKey struct{ user, symbol string }

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts:  make(map[string]domain.TradeAttempt),
		positions: make(map[posKey]domain.Position),
		fills:     make(map[string]domain.Fill),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) SaveAttempt(_ context.Context, a *domain.TradeAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) GetAttempt(_ context.Context, id string) (*domain.TradeAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := a.Clone()
	return &c, nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, userID string, limit int) ([]domain.TradeAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TradeAttempt
	for _, a := range m.attempts {
		if a.UserID() == userID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Request.SubmittedAt, out[j].Request.SubmittedAt
		if ti.Equal(tj) {
			return out[i].ID > out[j].ID
		}
		return ti.After(tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetPosition(_ context.Context, userID, symbol string) (domain.Position, error) {
	symbol = strings.ToUpper(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[posKey{userID, symbol}]; ok {
		return p, nil
	}
	return domain.Position{UserID: userID, Symbol: symbol}, nil
}

func (m *MemoryStore) ListPositions(_ context.Context, userID string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for k, p := range m.positions {
		if k.user == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryStore) Settle(_ context.Context, st Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.fills[st.Fill.AttemptID]; dup {
		return ErrDuplicateSettlement
	}
	pos := st.Position
	pos.Symbol = strings.ToUpper(pos.Symbol)
	k := posKey{pos.UserID, pos.Symbol}
	if cur := m.positions[k]; cur.Version != st.PriorVersion {
		return ErrVersionConflict
	}

	m.positions[k] = pos
	m.fills[st.Fill.AttemptID] = st.Fill
	m.appendLocked(st.Audit)
	if st.Attempt != nil {
		m.attempts[st.Attempt.ID] = st.Attempt.Clone()
	}
	return nil
}

func (m *MemoryStore) Append(_ context.Context, rec domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(rec)
	return nil
}

func (m *MemoryStore) appendLocked(rec domain.AuditRecord) {
	m.seq++
	rec.Seq = m.seq
	rec.Degraded = append([]string(nil), rec.Degraded...)
	m.audit = append(m.audit, rec)
}

func (m *MemoryStore) ListAudit(_ context.Context, attemptID string) ([]domain.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditRecord
	for _, r := range m.audit {
		if r.AttemptID == attemptID {
			out = append(out, r)
		}
	}
	return out, nil
}
