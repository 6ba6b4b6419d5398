package consumer

import "errors"

// Sentinel errors a caller can match with errors.Is. These correspond to
// the taxonomy in spec.md §7.
var (
	// ErrRetriableCommit marks a commit failure the broker itself considers
	// transient. Only this class participates in a RetryPolicy.
	ErrRetriableCommit = errors.New("consumer: retriable commit error")

	// ErrFatalCommit marks a commit failure that surfaces immediately to
	// every batched caller without retry.
	ErrFatalCommit = errors.New("consumer: fatal commit error")

	// ErrPoll marks a poll failure that terminates the Runloop.
	ErrPoll = errors.New("consumer: poll error")

	// ErrStopped is returned by façade operations once the Runloop has
	// reached the Stopped state.
	ErrStopped = errors.New("consumer: runloop stopped")

	// ErrUnsubscribed is returned when a manual offset resolver fails
	// during subscribe; the consumer is left unsubscribed.
	ErrUnsubscribed = errors.New("consumer: left unsubscribed after resolver failure")

	// ErrDeserialize marks a failure turning raw key/value bytes into a
	// typed value; it fails only the affected chunk's inner stream.
	ErrDeserialize = errors.New("consumer: deserialization error")
)

// retriableCommitError wraps a broker-reported retriable failure so
// errors.Is(err, ErrRetriableCommit) succeeds while errors.Unwrap still
// exposes the underlying broker error.
type retriableCommitError struct{ cause error }

func (e *retriableCommitError) Error() string { return "consumer: retriable commit: " + e.cause.Error() }
func (e *retriableCommitError) Unwrap() error { return e.cause }
func (e *retriableCommitError) Is(target error) bool { return target == ErrRetriableCommit }

type fatalCommitError struct{ cause error }

func (e *fatalCommitError) Error() string { return "consumer: fatal commit: " + e.cause.Error() }
func (e *fatalCommitError) Unwrap() error { return e.cause }
func (e *fatalCommitError) Is(target error) bool { return target == ErrFatalCommit }

type pollError struct{ cause error }

func (e *pollError) Error() string { return "consumer: poll: " + e.cause.Error() }
func (e *pollError) Unwrap() error { return e.cause }
func (e *pollError) Is(target error) bool { return target == ErrPoll }
