package rbac

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-memory Store used by tests and --dev runs. It keeps
// the same semantics as the DynamoDB store: strongly consistent reads,
// ascending subject order, atomic transactions with condition guards.
type MemoryStore struct {
	mu    sync.RWMutex
	rows  map[string]map[string]Row
	clock clockwork.Clock

	maxTransactItems int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		rows:             make(map[string]map[string]Row),
		clock:            clock,
		maxTransactItems: 100,
	}
}

// GetItem implements Store.
func (m *MemoryStore) GetItem(ctx context.Context, entity, subject string) (*Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if row, ok := m.rows[entity][subject]; ok {
		return &row, nil
	}
	return nil, nil
}

// PutItemIfAbsent implements Store.
func (m *MemoryStore) PutItemIfAbsent(ctx context.Context, row Row) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[row.Entity][row.Subject]; ok {
		return false, nil
	}
	m.put(row)
	return true, nil
}

// DeleteItem implements Store.
func (m *MemoryStore) DeleteItem(ctx context.Context, entity, subject string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[entity][subject]; !ok {
		return false, nil
	}
	m.delete(entity, subject)
	return true, nil
}

// Rows implements Store. The snapshot is taken when iteration starts, so the
// sequence is restartable.
func (m *MemoryStore) Rows(ctx context.Context, entity, subjectPrefix string) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		m.mu.RLock()
		snapshot := make([]Row, 0, len(m.rows[entity]))
		for subject, row := range m.rows[entity] {
			if strings.HasPrefix(subject, subjectPrefix) {
				snapshot = append(snapshot, row)
			}
		}
		m.mu.RUnlock()
		sort.Slice(snapshot, func(i, j int) bool {
			return snapshot[i].Subject < snapshot[j].Subject
		})
		for _, row := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Row{}, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// Scan implements Store.
func (m *MemoryStore) Scan(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		m.mu.RLock()
		entities := make([]string, 0, len(m.rows))
		for entity := range m.rows {
			entities = append(entities, entity)
		}
		var snapshot []Row
		sort.Strings(entities)
		for _, entity := range entities {
			subjects := make([]string, 0, len(m.rows[entity]))
			for subject := range m.rows[entity] {
				subjects = append(subjects, subject)
			}
			sort.Strings(subjects)
			for _, subject := range subjects {
				snapshot = append(snapshot, m.rows[entity][subject])
			}
		}
		m.mu.RUnlock()
		for _, row := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Row{}, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// TransactWrite implements Store.
func (m *MemoryStore) TransactWrite(ctx context.Context, ops []WriteOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []int
	for i, op := range ops {
		_, exists := m.rows[op.Row.Entity][op.Row.Subject]
		switch op.Condition {
		case CondAbsent:
			if exists {
				failed = append(failed, i)
			}
		case CondExists:
			if !exists {
				failed = append(failed, i)
			}
		}
	}
	if len(failed) > 0 {
		return &ConditionError{Indices: failed}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			m.put(op.Row)
		case OpDelete:
			m.delete(op.Row.Entity, op.Row.Subject)
		}
	}
	return nil
}

// MaxTransactItems implements Store.
func (m *MemoryStore) MaxTransactItems() int {
	return m.maxTransactItems
}

// Len returns the total number of stored rows.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, partition := range m.rows {
		n += len(partition)
	}
	return n
}

func (m *MemoryStore) put(row Row) {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = m.clock.Now().UTC()
	}
	partition, ok := m.rows[row.Entity]
	if !ok {
		partition = make(map[string]Row)
		m.rows[row.Entity] = partition
	}
	partition[row.Subject] = row
}

func (m *MemoryStore) delete(entity, subject string) {
	partition, ok := m.rows[entity]
	if !ok {
		return
	}
	delete(partition, subject)
	if len(partition) == 0 {
		delete(m.rows, entity)
	}
}
