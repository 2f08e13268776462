package session

import "context"

// Store persists the last-good record per username. Get returns nil, nil when
// nothing is stored. Implementations must give read-your-writes per username.
type Store interface {
	Get(ctx context.Context, username string) (*Record, error)
	Put(ctx context.Context, record Record) error
	Delete(ctx context.Context, username string) error
}

// Codec turns records into bytes for durable stores, optionally sealing them.
type Codec interface {
	Encode(record Record) ([]byte, error)
	Decode(data []byte) (Record, error)
}
