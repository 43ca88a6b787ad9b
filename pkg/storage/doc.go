// Package storage opens the Postgres and Redis connections and applies the
// embedded schema migrations on startup.
package storage
