package sqldb

import (
	"fmt"

	"github.com/pirelay/relay/internal/store"
)

// NewStores opens the database and builds every store over it.
func NewStores(driver Driver, dsn string) (*store.Stores, *DB, error) {
	db, err := Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open store database: %w", err)
	}
	return &store.Stores{
		Sessions:     NewSessionStore(db),
		Journal:      NewJournalStore(db),
		Environments: NewEnvironmentStore(db),
		Clients:      NewClientStore(db),
		Secrets:      NewSecretStore(db),
		Tokens:       NewTokenStore(db),
		Extensions:   NewExtensionStore(db),
	}, db, nil
}
