package syncer

import "errors"

var (
	// ErrTransport wraps peer call failures: the peer was unreachable, timed
	// out, or its backing store rejected the batch. Retryable.
	ErrTransport = errors.New("peer transport error")

	// ErrSessionInProgress reports a Sync call while another session holds
	// the engine. Sessions never interleave.
	ErrSessionInProgress = errors.New("sync session already in progress")
)
