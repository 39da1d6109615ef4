// Package db dispatches to the configured storage driver.
package db

import (
	"fmt"

	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/db/postgres"
	"github.com/jobctl/orchestrator/store/db/sqlite"
)

// NewDBDriver builds the store.Driver named by profile.Driver.
func NewDBDriver(p *profile.Profile) (store.Driver, error) {
	switch p.Driver {
	case "postgres":
		return postgres.NewDB(p)
	case "sqlite":
		return sqlite.NewDB(p)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", p.Driver)
	}
}
