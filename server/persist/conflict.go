package persist

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// maxSuffixProbes bounds the numbered-suffix search before falling back to a
// timestamp suffix.
const maxSuffixProbes = 10

// ResolveNumber picks a PO number for a CREATE that cannot collide with an
// existing (merchant, number) pair. Conflicts are resolved by probing
// "base-1" through "base-10" and finally "base-<epoch ms>". Probing runs as
// SELECTs inside the save transaction: in Postgres a unique violation aborts
// the whole transaction, so the taken set must be known before the INSERT.
func ResolveNumber(ctx context.Context, q Querier, merchantID, desired string) (string, error) {
	taken, err := takenNumbers(ctx, q, merchantID, desired)
	if err != nil {
		return "", err
	}
	if !taken[desired] {
		return desired, nil
	}
	for i := 1; i <= maxSuffixProbes; i++ {
		candidate := desired + "-" + strconv.Itoa(i)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return desired + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10), nil
}

// takenNumbers loads every existing number equal to base or carrying a
// "base-" suffix, scoped to the merchant.
func takenNumbers(ctx context.Context, q Querier, merchantID, base string) (map[string]bool, error) {
	rows, err := q.Query(ctx,
		`SELECT number FROM purchase_orders WHERE merchant_id = $1 AND (number = $2 OR number LIKE $3)`,
		merchantID, base, base+"-%",
	)
	if err != nil {
		return nil, fmt.Errorf("probe po numbers: %w", err)
	}
	defer rows.Close()

	taken := make(map[string]bool)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		taken[n] = true
	}
	return taken, rows.Err()
}

// NumberConflicts reports whether the desired number is already held by a
// different PO of the same merchant. Used on the UPDATE path, where a
// conflict means the incumbent number is kept.
func NumberConflicts(ctx context.Context, q Querier, merchantID, purchaseOrderID, desired string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM purchase_orders
			WHERE merchant_id = $1 AND number = $2 AND purchase_order_id <> $3
		)`,
		merchantID, desired, purchaseOrderID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check po number conflict: %w", err)
	}
	return exists, nil
}
