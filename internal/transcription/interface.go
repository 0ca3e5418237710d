package transcription

import "context"

// Stream is the producer half of a live recognition session: callers push
// audio until Close, events arrive on the callbacks registered at open.
type Stream interface {
	Send(audio []byte) error
	Close() error
}

type Recognizer interface {
	OpenStream(ctx context.Context, opts StreamOptions, cb Callbacks) (Stream, error)
}
