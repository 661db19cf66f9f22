package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	mu  sync.Mutex
	rec Record
}

// MemoryStore is an in-process Store. Appends are serialized; settlements
// lock only the record they touch.
type MemoryStore struct {
	appendMu sync.Mutex
	nextID   uint64

	recordsMu sync.RWMutex
	records   map[uint64]*memoryEntry

	feesMu sync.Mutex
	fees   FeeAccount

	eventsMu sync.Mutex
	events   []Event
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uint64]*memoryEntry)}
}

func (m *MemoryStore) Append(ctx context.Context, fund func(ctx context.Context, id uint64) (Record, Event, error)) (Record, error) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	id := m.nextID
	rec, ev, err := fund(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec.ID = id

	m.recordsMu.Lock()
	m.records[id] = &memoryEntry{rec: rec}
	m.recordsMu.Unlock()
	m.nextID++

	m.feesMu.Lock()
	m.fees.Accrued += rec.Fee
	m.feesMu.Unlock()

	m.publish(ev)
	return rec, nil
}

func (m *MemoryStore) Settle(ctx context.Context, id uint64, apply func(ctx context.Context, rec Record) (Settlement, error)) (Record, error) {
	entry, ok := m.entry(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	out, err := apply(ctx, entry.rec)
	if err != nil {
		return Record{}, err
	}
	if !out.Status.IsTerminal() {
		return Record{}, fmt.Errorf("escrow: settle %d: %q is not terminal", id, out.Status)
	}

	next := entry.rec
	next.Status = out.Status
	next.Payee = out.Payee
	next.UpdatedAt = out.At
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	entry.rec = next

	if out.Status == StatusReleased {
		m.feesMu.Lock()
		m.fees.Withdrawable += next.Fee
		m.feesMu.Unlock()
	}

	m.publish(out.Event)
	return next, nil
}

func (m *MemoryStore) DrainFees(ctx context.Context, drain func(ctx context.Context, fa FeeAccount) (Event, error)) (FeeAccount, error) {
	m.feesMu.Lock()
	defer m.feesMu.Unlock()

	if err := ctx.Err(); err != nil {
		return FeeAccount{}, err
	}

	current := m.fees
	if current.Withdrawable == 0 {
		return current, nil
	}
	ev, err := drain(ctx, current)
	if err != nil {
		return FeeAccount{}, err
	}

	m.fees.Accrued -= current.Withdrawable
	m.fees.Withdrawable = 0
	m.publish(ev)
	return current, nil
}

func (m *MemoryStore) Enqueue(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.publish(ev)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (Record, error) {
	entry, ok := m.entry(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec, nil
}

func (m *MemoryStore) List(_ context.Context, filters ListFilters) ([]Record, int, error) {
	filters = filters.normalized()

	m.recordsMu.RLock()
	entries := make([]*memoryEntry, 0, len(m.records))
	for _, e := range m.records {
		entries = append(entries, e)
	}
	m.recordsMu.RUnlock()

	matched := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if filters.matches(rec) {
			matched = append(matched, rec)
		}
	}
	// Newest first, like the Postgres store.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	start := (filters.Page - 1) * filters.PageSize
	if start >= total {
		return []Record{}, total, nil
	}
	end := min(start+filters.PageSize, total)
	return matched[start:end], total, nil
}

func (m *MemoryStore) Fees(_ context.Context) (FeeAccount, error) {
	m.feesMu.Lock()
	defer m.feesMu.Unlock()
	return m.fees, nil
}

// Events returns a copy of every event written so far, in write order.
func (m *MemoryStore) Events() []Event {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemoryStore) entry(id uint64) (*memoryEntry, bool) {
	m.recordsMu.RLock()
	defer m.recordsMu.RUnlock()
	e, ok := m.records[id]
	return e, ok
}

func (m *MemoryStore) publish(ev Event) {
	if ev.Topic == "" {
		return
	}
	m.eventsMu.Lock()
	m.events = append(m.events, ev)
	m.eventsMu.Unlock()
}
