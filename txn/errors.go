package txn

import "errors"

// Error kinds surfaced by the transaction manager. The RPC layer maps them
// onto wire statuses; the coordinator drives its retry policy off them.
var (
	// ErrTooManyTransactions rejects prepare when the shard's in-flight
	// partition set would exceed the configured cap. Retryable.
	ErrTooManyTransactions = errors.New("too many running transactions")

	// ErrRowsetInvalid rejects commit called without a rowset. Programming
	// error on the ingest side; not retryable.
	ErrRowsetInvalid = errors.New("rowset is invalid")

	// ErrAlreadyExists rejects commit when the (txn, tablet) pair is already
	// committed with a different rowset id. Not retryable.
	ErrAlreadyExists = errors.New("transaction already committed with a different rowset")

	// ErrAlreadyCommitted rejects rollback after commit and delete after
	// publish; the coordinator must use the other path.
	ErrAlreadyCommitted = errors.New("transaction already committed")

	// ErrTransactionNotExist reports publish or delete with no matching
	// entry. Possibly a stale retry; the coordinator may ignore it.
	ErrTransactionNotExist = errors.New("transaction does not exist")

	// ErrSaveFailed reports a meta store durability failure during commit or
	// publish. Retryable.
	ErrSaveFailed = errors.New("failed to save rowset meta")
)
