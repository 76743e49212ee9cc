// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together the queue repository constructors and database migrations
// (via goose).
package repomanager

import (
	"context"
	"database/sql"

	"github.com/homebase-id/odin-transit/internal/dbx"
	"github.com/homebase-id/odin-transit/internal/server/repositories/inbox"
	"github.com/homebase-id/odin-transit/internal/server/repositories/outbox"
)

// RepositoryManager vends queue store implementations bound to a DBTX, so
// services can run several repository calls inside one transaction.
type RepositoryManager interface {
	Outbox(db dbx.DBTX) outbox.Repository
	Inbox(db dbx.DBTX) inbox.Repository
	RunMigrations(ctx context.Context, db *sql.DB) error
}
