package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Config holds batching settings.
type Config struct {
	BatchSize     int           // Rows per flush (default: 500)
	FlushInterval time.Duration // Max time a row waits (default: 2s)
	BufferSize    int           // Pending updates before Record drops (default: 5000)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
		BufferSize:    5000,
	}
}

// Stats counts recorder activity.
type Stats struct {
	Received int64
	Dropped  int64
	Inserted int64
	Flushes  int64
	Errors   int64
}

// Row is one channel_updates row.
type Row struct {
	ID         uuid.UUID
	Channel    string
	Payload    []byte
	ReceivedAt time.Time
}

// Inserter writes a batch of rows and reports how many were stored.
type Inserter interface {
	InsertRows(ctx context.Context, rows []Row) (int64, error)
}

// InserterFunc is a function adapter for Inserter.
type InserterFunc func(ctx context.Context, rows []Row) (int64, error)

func (f InserterFunc) InsertRows(ctx context.Context, rows []Row) (int64, error) {
	return f(ctx, rows)
}
