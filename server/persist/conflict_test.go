package persist

import (
	"context"
	"strconv"
	"strings"
	"testing"
)

func TestResolveNumberNoConflict(t *testing.T) {
	db := newFakeDB()
	got, err := ResolveNumber(context.Background(), db, "m1", "3541")
	if err != nil {
		t.Fatal(err)
	}
	if got != "3541" {
		t.Errorf("got %q, want 3541", got)
	}
}

func TestResolveNumberSuffixProbe(t *testing.T) {
	db := newFakeDB()
	db.addPO("po-a", "m1", "3541")
	db.addPO("po-b", "m1", "3541-1")

	got, err := ResolveNumber(context.Background(), db, "m1", "3541")
	if err != nil {
		t.Fatal(err)
	}
	if got != "3541-2" {
		t.Errorf("got %q, want 3541-2", got)
	}
}

func TestResolveNumberScopedToMerchant(t *testing.T) {
	db := newFakeDB()
	db.addPO("po-a", "other-merchant", "3541")

	got, err := ResolveNumber(context.Background(), db, "m1", "3541")
	if err != nil {
		t.Fatal(err)
	}
	if got != "3541" {
		t.Errorf("another merchant's number must not conflict; got %q", got)
	}
}

func TestResolveNumberTimestampFallback(t *testing.T) {
	db := newFakeDB()
	db.addPO("po-0", "m1", "3541")
	for i := 1; i <= maxSuffixProbes; i++ {
		db.addPO("po-"+strconv.Itoa(i), "m1", "3541-"+strconv.Itoa(i))
	}

	got, err := ResolveNumber(context.Background(), db, "m1", "3541")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "3541-") {
		t.Fatalf("got %q, want timestamp-suffixed number", got)
	}
	suffix := strings.TrimPrefix(got, "3541-")
	if n, err := strconv.ParseInt(suffix, 10, 64); err != nil || n <= int64(maxSuffixProbes) {
		t.Errorf("suffix %q should be an epoch-ms timestamp", suffix)
	}
}

func TestNumberConflicts(t *testing.T) {
	db := newFakeDB()
	db.addPO("po-a", "m1", "TEMP-123")
	db.addPO("po-b", "m1", "3541")

	conflict, err := NumberConflicts(context.Background(), db, "m1", "po-a", "3541")
	if err != nil {
		t.Fatal(err)
	}
	if !conflict {
		t.Error("expected conflict against po-b's number")
	}

	conflict, err = NumberConflicts(context.Background(), db, "m1", "po-a", "TEMP-123")
	if err != nil {
		t.Fatal(err)
	}
	if conflict {
		t.Error("a PO's own number must not conflict with itself")
	}
}
