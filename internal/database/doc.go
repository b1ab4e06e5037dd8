// Package database provides the PostgreSQL connection pool used by the
// channel update recorder, and the schema it writes to.
package database
