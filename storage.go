package tailstore

import "context"

// StorageEngine is the durable event-storage engine this facade sits in
// front of. Persistence, transactions, and serialization all live on the
// other side of this interface; the core only ever reads from it.
type StorageEngine interface {
	// ReadEvents opens a lazy sequence of events strictly after
	// afterToken (nil meaning from the beginning). When mayBlock is
	// true the engine may hold the stream open and block Next calls
	// briefly awaiting newly committed events (used by the producer's
	// tailing read); when false it returns only what is currently
	// persisted and Next reports ok=false once exhausted (used by a
	// consumer's private catch-up read). The returned stream must be
	// closed by the caller.
	ReadEvents(ctx context.Context, afterToken Token, mayBlock bool) (EventStream, error)
}

// EventStream is a single open read against the storage engine.
type EventStream interface {
	// Next returns the next event. ok is false when no event is
	// currently available: for a non-blocking stream this means the
	// stream is exhausted; for a blocking stream it means ctx expired
	// or was cancelled before one arrived.
	Next(ctx context.Context) (event TrackedEvent, ok bool, err error)

	// Close releases any resources held by the stream. Idempotent.
	Close() error
}
