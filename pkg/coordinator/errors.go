package coordinator

import "errors"

// Sentinel errors the coordinator wraps its failures in, so callers can
// errors.Is rather than match on message text (spec §7's error-kinds
// table), mirroring the sentinel-error style of the pack's transaction
// managers rather than bespoke error structs per failure.
var (
	// ErrTxnNotFound means the session's tid is no longer tracked by the
	// CC manager (already terminated, or never began).
	ErrTxnNotFound = errors.New("coordinator: transaction not found")
	// ErrNoOpenTransaction means COMMIT/ABORT was issued on a session with
	// no open transaction.
	ErrNoOpenTransaction = errors.New("coordinator: no open transaction on this session")
	// ErrTransactionAlreadyOpen means BEGIN was issued on a session that
	// already has one open.
	ErrTransactionAlreadyOpen = errors.New("coordinator: session already has an open transaction")
	// ErrBlocked is CC-blocked: a retriable denial (spec §6's "waiting").
	ErrBlocked = errors.New("coordinator: statement blocked, retry")
	// ErrAborted is the generic CC-aborted victim-teardown error.
	ErrAborted = errors.New("coordinator: transaction aborted")
	// ErrDeadlock is CC-aborted via 2PL/MV2PL deadlock or wound-wait.
	ErrDeadlock = errors.New("coordinator: transaction aborted as a deadlock victim")
	// ErrStale is CC-aborted on a timestamp-ordering or MVTO staleness
	// violation.
	ErrStale = errors.New("coordinator: transaction aborted on a stale read or write")
	// ErrLockTimeout is a 2PL waiter that expired before being granted.
	ErrLockTimeout = errors.New("coordinator: lock wait timed out")
	// ErrConflict is CC-aborted on OCC validation or an SI commit-time
	// conflict.
	ErrConflict = errors.New("coordinator: transaction aborted on a validation or commit conflict")
	// ErrSchema is storage-failed or schema-violation: the statement
	// itself was malformed or referenced a nonexistent table/row.
	ErrSchema = errors.New("coordinator: schema or storage violation")
)
