// Package recorder persists channel updates to PostgreSQL.
//
// Updates are accepted without blocking the realtime client, batched, and
// copied into the channel_updates table when the batch fills or the flush
// interval elapses. Stop performs a final flush. Rows are append-only.
package recorder
