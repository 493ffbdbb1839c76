package db

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return d
}

func TestUpsertOrderRecordSupersedesRow(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	rec := OrderRecord{
		BrokerOrderID:  "23120100000001",
		AccountIndex:   1,
		Symbol:         "NIFTY23DEC21000CE",
		Segment:        "NFO",
		Side:           "B",
		RequestedPrice: 100.5,
		RequestedQty:   25,
		Status:         "OPEN",
		LastReportType: "New",
	}
	if err := d.UpsertOrderRecord(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec.Status = "COMPLETE"
	rec.LastReportType = "Fill"
	rec.FillPrice = 101.0
	if err := d.UpsertOrderRecord(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rows, err := d.ListOrderRecords(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("upsert should keep one row per order id, got %d", len(rows))
	}
	got := rows[0]
	if got.Status != "COMPLETE" || got.LastReportType != "Fill" || got.FillPrice != 101.0 {
		t.Fatalf("row not superseded: %+v", got)
	}
	if got.RequestedQty != 25 {
		t.Fatalf("original request fields lost: %+v", got)
	}
}

func TestCreateFill(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	fill := Fill{
		ID:            "f-1",
		BrokerOrderID: "23120100000001",
		AccountIndex:  2,
		Symbol:        "SENSEX23DEC72000CE",
		Side:          "S",
		Price:         250.25,
		Qty:           10,
	}
	if err := d.CreateFill(ctx, fill); err != nil {
		t.Fatalf("create fill: %v", err)
	}

	var count int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM fills`).Scan(&count); err != nil {
		t.Fatalf("count fills: %v", err)
	}
	if count != 1 {
		t.Fatalf("want 1 fill row, got %d", count)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("want error for empty db path")
	}
}
