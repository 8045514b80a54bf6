package storage

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// InitStore connects to Postgres, retrying with exponential backoff so
// the engine survives a database that comes up after it does.
func InitStore(dbConnStr string) (*PostgresStore, error) {
	var store *PostgresStore
	connect := func() error {
		var err error
		store, err = NewPostgresStore(dbConnStr)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, err
	}
	return store, nil
}
