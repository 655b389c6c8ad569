// Package rbac implements the role-based access control repository: a
// single-table entity/assignment model, the write surface administrators
// mutate, and the access evaluation that token issuance consumes.
package rbac

import (
	"context"
	"iter"
	"time"
)

// Row is one item in the wide table. Entity is the partition key and Subject
// the sort key; the pair is unique.
type Row struct {
	// Entity is the resource name the row belongs to.
	Entity string
	// Subject encodes what the row is: "#resource" for the resource marker,
	// "scope#<name>" / "role#<name>" for definitions, and
	// "scope#<name>#<principal>" / "role#<name>#<principal>" for assignments.
	Subject string
	// CreatedAt records when the row was first written.
	CreatedAt time.Time
}

// Condition guards a write inside a transaction.
type Condition int

const (
	// CondNone applies the write unconditionally.
	CondNone Condition = iota
	// CondAbsent requires that the row does not exist.
	CondAbsent
	// CondExists requires that the row exists.
	CondExists
)

// OpKind selects the effect of a WriteOp.
type OpKind int

const (
	// OpPut writes the row.
	OpPut OpKind = iota
	// OpDelete removes the row.
	OpDelete
	// OpCheck asserts the condition without writing.
	OpCheck
)

// WriteOp is a single item inside a transactional write.
type WriteOp struct {
	Kind      OpKind
	Row       Row
	Condition Condition
}

// ConditionError reports a transaction cancelled because one or more
// condition guards evaluated false. Indices are the zero-based positions of
// the failed ops, letting the caller translate each into a domain error.
type ConditionError struct {
	Indices []int
}

func (e *ConditionError) Error() string {
	return "transaction cancelled: condition failed"
}

// Failed reports whether the op at index i was cancelled by its condition.
func (e *ConditionError) Failed(i int) bool {
	for _, idx := range e.Indices {
		if idx == i {
			return true
		}
	}
	return false
}

// Store is the narrow key-value contract the repository runs on. The
// production implementation is DynamoDB; tests use the in-memory store.
// All reads are strongly consistent.
type Store interface {
	// GetItem returns the row, or nil when absent.
	GetItem(ctx context.Context, entity, subject string) (*Row, error)

	// PutItemIfAbsent writes the row unless it already exists. It reports
	// whether the row was inserted; finding it present is not an error.
	PutItemIfAbsent(ctx context.Context, row Row) (inserted bool, err error)

	// DeleteItem removes the row. It reports whether a row was deleted;
	// absence is not an error.
	DeleteItem(ctx context.Context, entity, subject string) (deleted bool, err error)

	// Rows streams the rows of one entity whose subject starts with the
	// given prefix (the empty prefix matches all), ascending by subject.
	// Pagination is transparent; the sequence can be iterated more than
	// once.
	Rows(ctx context.Context, entity, subjectPrefix string) iter.Seq2[Row, error]

	// Scan streams every row in the table in unspecified partition order
	// (subjects within a partition ascend). Used only by the cross-resource
	// sweeps: resource listing and principal deletion.
	Scan(ctx context.Context) iter.Seq2[Row, error]

	// TransactWrite applies all ops atomically. When any condition guard
	// fails the whole transaction is cancelled and a *ConditionError is
	// returned.
	TransactWrite(ctx context.Context, ops []WriteOp) error

	// MaxTransactItems is the largest op count a single TransactWrite
	// accepts; multi-item deletes are chunked to this size.
	MaxTransactItems() int
}
