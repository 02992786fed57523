package repo

import (
	"context"
	"fmt"
)

// setIVFFlatProbes tunes the ivfflat recall/speed tradeoff for the
// statements that follow in this transaction (SET LOCAL never outlives
// it). Below lists*probes rows an ivfflat index buys nothing over a
// sequential scan, so small catalogs skip the tuning and just get
// Postgres's exact <=> ordering.
func setIVFFlatProbes(ctx context.Context, db dbExecer, table string, probes, lists int) error {
	if probes <= 0 {
		return nil
	}
	if lists <= 0 {
		lists = 1
	}
	var count int
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count); err != nil {
		return err
	}
	if count < probes*lists {
		return nil
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", probes))
	return err
}
