package core

import (
	"context"

	"github.com/olyamironova/ledger-engine/internal/port"
)

// withTx runs fn as one unit of work. Staged writes become visible only if fn
// returns nil and Commit succeeds. Rollback runs detached from ctx so a
// cancelled caller still releases its row locks.
func withTx(ctx context.Context, repo port.Repository, fn func(port.Tx) error) (err error) {
	tx, err := repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	rollback := func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }

	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
		if err != nil {
			rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
