// Package cc defines the concurrency-control algorithm interface every
// strategy (lock-based 2PL, timestamp ordering, optimistic validation,
// and the three multi-version variants) implements, plus the Response
// type the coordinator reads to decide whether a statement proceeds,
// retries, or tears its transaction down (spec §4.4).
package cc

import (
	"strings"

	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/transaction"
)

// Response is what check_permission/commit/abort return. A false Allowed
// with Waiting true is a retriable block; a false Allowed whose Message
// contains "aborted" or "died" (case-insensitive) means the transaction
// has been torn down and the coordinator must propagate a hard failure
// (spec §6's exit-code convention).
type Response struct {
	Allowed bool
	Message string
	Value   *model.Row
	Waiting bool

	// Cascaded carries the tids of any other transaction this call forced
	// into abort as a side effect: MVTO's cascading rollback (spec
	// §4.8.1) and MV2PL's wound-wait (spec §4.8.2) both discover victims
	// other than the caller. The cc.Manager drains these from the
	// algorithm after every call; the coordinator must tear each one down
	// in full (spec §7), not just the caller's own transaction.
	Cascaded []uint64
}

// Aborted reports whether this response signals that the owning
// transaction has been torn down by the CC engine (a deadlock victim, a
// stale-write abort, a failed validation, ...).
func (r Response) Aborted() bool {
	lower := strings.ToLower(r.Message)
	return strings.Contains(lower, "aborted") || strings.Contains(lower, "died")
}

// Allow builds a successful Response, optionally carrying a read value.
func Allow(value *model.Row) Response {
	return Response{Allowed: true, Value: value}
}

// Block builds a denied-but-retriable Response.
func Block(reason string) Response {
	return Response{Allowed: false, Waiting: true, Message: reason}
}

// AbortResponse builds a denied-and-torn-down Response. msg should read
// naturally after "denied: " and must satisfy Aborted() (contain
// "aborted" or "died").
func AbortResponse(msg string) Response {
	return Response{Allowed: false, Message: msg}
}

// Algorithm is the polymorphic concurrency-control strategy the manager
// delegates to. Implementations never touch storage or the WAL directly;
// they only adjudicate and track the bookkeeping their strategy needs.
type Algorithm interface {
	// CheckPermission adjudicates one Action against row for t.
	CheckPermission(t *transaction.Transaction, row model.Row, action transaction.ActionType) Response
	// Commit finalizes t's visibility under this strategy.
	Commit(t *transaction.Transaction) Response
	// Abort releases any strategy-specific state t was holding.
	Abort(t *transaction.Transaction) Response
}
