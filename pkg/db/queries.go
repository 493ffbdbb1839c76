package db

import (
	"context"
	"fmt"
)

// UpsertOrderRecord inserts or replaces the row for a broker order id.
func (d *Database) UpsertOrderRecord(ctx context.Context, rec OrderRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO order_records
			(broker_order_id, account_index, symbol, segment, side,
			 requested_price, requested_qty, status, last_report_type,
			 reject_reason, fill_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker_order_id) DO UPDATE SET
			status = excluded.status,
			last_report_type = excluded.last_report_type,
			reject_reason = excluded.reject_reason,
			fill_price = excluded.fill_price,
			updated_at = CURRENT_TIMESTAMP
	`, rec.BrokerOrderID, rec.AccountIndex, rec.Symbol, rec.Segment, rec.Side,
		rec.RequestedPrice, rec.RequestedQty, rec.Status, rec.LastReportType,
		rec.RejectReason, rec.FillPrice)
	if err != nil {
		return fmt.Errorf("upsert order record: %w", err)
	}
	return nil
}

// CreateFill stores one execution row.
func (d *Database) CreateFill(ctx context.Context, f Fill) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO fills (id, broker_order_id, account_index, symbol, side, price, qty)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.BrokerOrderID, f.AccountIndex, f.Symbol, f.Side, f.Price, f.Qty)
	if err != nil {
		return fmt.Errorf("create fill: %w", err)
	}
	return nil
}

// ListOrderRecords returns all rows, newest first.
func (d *Database) ListOrderRecords(ctx context.Context) ([]OrderRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT broker_order_id, account_index, symbol, segment, side,
		       requested_price, requested_qty, status,
		       COALESCE(last_report_type, ''), COALESCE(reject_reason, ''),
		       fill_price, created_at, updated_at
		FROM order_records
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list order records: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		if err := rows.Scan(&rec.BrokerOrderID, &rec.AccountIndex, &rec.Symbol,
			&rec.Segment, &rec.Side, &rec.RequestedPrice, &rec.RequestedQty,
			&rec.Status, &rec.LastReportType, &rec.RejectReason, &rec.FillPrice,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
