package persist

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB emulates the handful of statements the save path issues, keyed by
// statement shape. It stands in for the live transaction in tests.
type fakeDB struct {
	pos       map[string]*fakePO // keyed by purchase_order_id
	lineItems map[string][]fakeLine
	audits    int
	execErr   error // injected failure for the next Exec
}

type fakePO struct {
	merchantID string
	number     string
}

type fakeLine struct {
	sku       string
	quantity  int
	unitCost  float64
	totalCost float64
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		pos:       make(map[string]*fakePO),
		lineItems: make(map[string][]fakeLine),
	}
}

func (f *fakeDB) addPO(id, merchantID, number string) {
	f.pos[id] = &fakePO{merchantID: merchantID, number: number}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		err := f.execErr
		f.execErr = nil
		return pgconn.CommandTag{}, err
	}
	switch {
	case strings.Contains(sql, "UPDATE purchase_orders"):
		poID, merchantID := args[11].(string), args[12].(string)
		po, ok := f.pos[poID]
		if !ok || po.merchantID != merchantID {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		po.number = args[0].(string)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "INSERT INTO purchase_orders"):
		f.addPO(args[0].(string), args[1].(string), args[2].(string))
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "DELETE FROM po_line_items"):
		poID := args[0].(string)
		n := len(f.lineItems[poID])
		delete(f.lineItems, poID)
		return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", n)), nil

	case strings.Contains(sql, "INSERT INTO po_line_items"):
		poID := args[1].(string)
		f.lineItems[poID] = append(f.lineItems[poID], fakeLine{
			sku:       args[2].(string),
			quantity:  args[5].(int),
			unitCost:  args[6].(float64),
			totalCost: args[7].(float64),
		})
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "INSERT INTO extraction_audit"):
		f.audits++
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("fakeDB: unexpected exec: %s", sql)
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if strings.Contains(sql, "number = $2 OR number LIKE") {
		merchantID, base := args[0].(string), args[1].(string)
		var rows [][]any
		for _, po := range f.pos {
			if po.merchantID != merchantID {
				continue
			}
			if po.number == base || strings.HasPrefix(po.number, base+"-") {
				rows = append(rows, []any{po.number})
			}
		}
		return &fakeRows{rows: rows}, nil
	}
	return nil, fmt.Errorf("fakeDB: unexpected query: %s", sql)
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT EXISTS"):
		merchantID, number, poID := args[0].(string), args[1].(string), args[2].(string)
		exists := false
		for id, po := range f.pos {
			if po.merchantID == merchantID && po.number == number && id != poID {
				exists = true
			}
		}
		return &fakeRow{values: []any{exists}}

	case strings.Contains(sql, "SELECT number FROM purchase_orders WHERE purchase_order_id"):
		poID, merchantID := args[0].(string), args[1].(string)
		po, ok := f.pos[poID]
		if !ok || po.merchantID != merchantID {
			return &fakeRow{err: pgx.ErrNoRows}
		}
		return &fakeRow{values: []any{po.number}}

	case strings.Contains(sql, "SELECT COUNT(*) FROM po_line_items"):
		return &fakeRow{values: []any{len(f.lineItems[args[0].(string)])}}
	}
	return &fakeRow{err: fmt.Errorf("fakeDB: unexpected queryrow: %s", sql)}
}

type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(dest, r.rows[r.idx-1])
}

func assign(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("fakeDB: scan arity %d != %d", len(dest), len(values))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *bool:
			*d = v.(bool)
		case *float64:
			*d = v.(float64)
		default:
			return fmt.Errorf("fakeDB: unsupported scan dest %T", dest[i])
		}
	}
	return nil
}
