package recorder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Table is the destination of recorded updates.
const Table = "channel_updates"

var columns = []string{"id", "channel", "payload", "received_at"}

// PoolInserter copies rows into Table using the COPY protocol.
type PoolInserter struct {
	db *pgxpool.Pool
}

// NewPoolInserter wraps a connection pool.
func NewPoolInserter(db *pgxpool.Pool) *PoolInserter {
	return &PoolInserter{db: db}
}

// InsertRows implements Inserter.
func (p *PoolInserter) InsertRows(ctx context.Context, rows []Row) (int64, error) {
	n, err := p.db.CopyFrom(ctx, pgx.Identifier{Table}, columns, pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		r := rows[i]
		return []any{r.ID, r.Channel, r.Payload, r.ReceivedAt}, nil
	}))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", Table, err)
	}
	return n, nil
}
