package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/store"
)

//go:embed schema.sql
var schema string

// querier is satisfied by both *sql.DB and *sql.Tx so reads share one code
// path inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.Tx         = (*pgTx)(nil)
)

type Store struct {
	reader
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{reader: reader{q: db}, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&pgTx{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return translate(err)
	}
	committed = true
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" || entry.Action == "" {
		return fmt.Errorf("%w: audit entry requires id and action", domain.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, actor_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.BranchID, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return translate(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_id, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::text = '' OR branch_id = $1)
		  AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, from, to, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 32)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorID, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

type reader struct {
	q querier
}

const unitColumns = `id, name, is_base, active, created_at`

func (r reader) GetUnit(ctx context.Context, id string) (*domain.Unit, error) {
	var unit domain.Unit
	err := r.q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = $1`, id).
		Scan(&unit.ID, &unit.Name, &unit.IsBase, &unit.Active, &unit.CreatedAt)
	if err != nil {
		return nil, notFound(err, "unit %s", id)
	}
	return &unit, nil
}

func (r reader) FindUnitByName(ctx context.Context, name string) (*domain.Unit, error) {
	var unit domain.Unit
	err := r.q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE name_key = $1`, nameKey(name)).
		Scan(&unit.ID, &unit.Name, &unit.IsBase, &unit.Active, &unit.CreatedAt)
	if err != nil {
		return nil, notFound(err, "unit %q", name)
	}
	return &unit, nil
}

func (r reader) ListUnits(ctx context.Context) ([]domain.Unit, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+unitColumns+` FROM units ORDER BY name COLLATE "C"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	units := make([]domain.Unit, 0, 16)
	for rows.Next() {
		var unit domain.Unit
		if err := rows.Scan(&unit.ID, &unit.Name, &unit.IsBase, &unit.Active, &unit.CreatedAt); err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return units, nil
}

const conversionColumns = `id, unit_id, unit_name, base_unit_id, factor, active, created_at`

func scanConversion(row interface{ Scan(...any) error }) (domain.UnitConversion, error) {
	var c domain.UnitConversion
	err := row.Scan(&c.ID, &c.UnitID, &c.UnitName, &c.BaseUnitID, &c.Factor, &c.Active, &c.CreatedAt)
	return c, err
}

func (r reader) GetActiveConversion(ctx context.Context, unitID string) (*domain.UnitConversion, error) {
	c, err := scanConversion(r.q.QueryRowContext(ctx, `
		SELECT `+conversionColumns+` FROM unit_conversions WHERE unit_id = $1 AND active
	`, unitID))
	if err != nil {
		return nil, notFound(err, "conversion for unit %s", unitID)
	}
	return &c, nil
}

func (r reader) ListConversionsTargeting(ctx context.Context, baseUnitID string) ([]domain.UnitConversion, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+conversionColumns+` FROM unit_conversions
		WHERE base_unit_id = $1 AND active
		ORDER BY unit_id COLLATE "C"
	`, baseUnitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.UnitConversion, 0, 4)
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r reader) CountUnitReferences(ctx context.Context, unitIDs []string) (int, error) {
	if len(unitIDs) == 0 {
		return 0, nil
	}
	var count int
	err := r.q.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM booking_lines WHERE unit_id = ANY($1) AND NOT cancelled) +
			(SELECT count(*) FROM delivery_lines WHERE unit_id = ANY($1)) +
			(SELECT count(*) FROM document_lines WHERE unit_id = ANY($1)) +
			(SELECT count(*) FROM products WHERE default_unit_id = ANY($1))
	`, unitIDs).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r reader) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	var productType string
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name, category, product_type, default_unit_id, purchase_rate, selling_rate, wholesale_rate, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &productType, &p.DefaultUnitID, &p.PurchaseRate, &p.SellingRate, &p.WholesaleRate, &p.Active, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "product %s", id)
	}
	p.Type = domain.ProductType(productType)
	return &p, nil
}

const stockColumns = `product_id, branch_id, quantity_on_hand, last_inbound_rate, version, updated_at`

func scanStock(row interface{ Scan(...any) error }) (domain.Stock, error) {
	var s domain.Stock
	err := row.Scan(&s.ProductID, &s.BranchID, &s.QuantityOnHand, &s.LastInboundRate, &s.Version, &s.UpdatedAt)
	return s, err
}

func (r reader) GetStock(ctx context.Context, productID string, branchID string) (*domain.Stock, error) {
	row, err := scanStock(r.q.QueryRowContext(ctx, `
		SELECT `+stockColumns+` FROM stocks WHERE product_id = $1 AND branch_id = $2
	`, productID, branchID))
	if err != nil {
		return nil, notFound(err, "stock for product %s at branch %s", productID, branchID)
	}
	return &row, nil
}

func (r reader) ListStocks(ctx context.Context, branchID string) ([]domain.Stock, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+stockColumns+` FROM stocks
		WHERE ($1::text = '' OR branch_id = $1)
		ORDER BY branch_id COLLATE "C", product_id COLLATE "C"
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Stock, 0, 64)
	for rows.Next() {
		row, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const movementColumns = `id, product_id, branch_id, delta, rate, prior_rate, document_id, document_kind, line_id, reverses_id, reversed_by_id, created_by, created_at`

func scanMovement(row interface{ Scan(...any) error }) (domain.StockMovement, error) {
	var m domain.StockMovement
	var rate, priorRate decimal.NullDecimal
	var docID, kind, lineID, reverses, reversedBy sql.NullString
	if err := row.Scan(&m.ID, &m.ProductID, &m.BranchID, &m.Delta, &rate, &priorRate, &docID, &kind, &lineID, &reverses, &reversedBy, &m.CreatedBy, &m.CreatedAt); err != nil {
		return m, err
	}
	if rate.Valid {
		value := rate.Decimal
		m.Rate = &value
	}
	if priorRate.Valid {
		value := priorRate.Decimal
		m.PriorRate = &value
	}
	m.DocumentID = docID.String
	m.DocumentKind = domain.DocumentKind(kind.String)
	m.LineID = lineID.String
	m.ReversesID = reverses.String
	m.ReversedByID = reversedBy.String
	return m, nil
}

func (r reader) GetStockMovement(ctx context.Context, id string) (*domain.StockMovement, error) {
	m, err := scanMovement(r.q.QueryRowContext(ctx, `SELECT `+movementColumns+` FROM stock_movements WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "movement %s", id)
	}
	return &m, nil
}

func (r reader) ListStockMovements(ctx context.Context, productID string, branchID string) ([]domain.StockMovement, error) {
	return r.listMovements(ctx, `
		SELECT `+movementColumns+` FROM stock_movements
		WHERE product_id = $1 AND branch_id = $2
		ORDER BY seq
	`, productID, branchID)
}

func (r reader) ListDocumentMovements(ctx context.Context, documentID string) ([]domain.StockMovement, error) {
	return r.listMovements(ctx, `
		SELECT `+movementColumns+` FROM stock_movements
		WHERE document_id = $1
		ORDER BY seq
	`, documentID)
}

func (r reader) listMovements(ctx context.Context, query string, args ...any) ([]domain.StockMovement, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const bookingLineColumns = `id, booking_id, product_id, unit_id, quantity, rate, base_quantity, base_rate, cancelled, created_at`

func scanBookingLine(row interface{ Scan(...any) error }) (domain.BookingLine, error) {
	var l domain.BookingLine
	err := row.Scan(&l.ID, &l.BookingID, &l.ProductID, &l.UnitID, &l.Quantity, &l.Rate, &l.BaseQuantity, &l.BaseRate, &l.Cancelled, &l.CreatedAt)
	return l, err
}

func (r reader) GetBookingLine(ctx context.Context, id string) (*domain.BookingLine, error) {
	l, err := scanBookingLine(r.q.QueryRowContext(ctx, `SELECT `+bookingLineColumns+` FROM booking_lines WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "booking line %s", id)
	}
	return &l, nil
}

func (r reader) ListBookingLines(ctx context.Context, bookingID string) ([]domain.BookingLine, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+bookingLineColumns+` FROM booking_lines WHERE booking_id = $1 ORDER BY seq
	`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.BookingLine, 0, 8)
	for rows.Next() {
		l, err := scanBookingLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const deliveryLineColumns = `id, delivery_id, booking_line_id, unit_id, quantity, base_quantity, charge_amount, adjustment_value, reversed, reversed_at, reversed_by, created_at`

func scanDeliveryLine(row interface{ Scan(...any) error }) (domain.DeliveryLine, error) {
	var (
		l          domain.DeliveryLine
		reversedAt sql.NullTime
		reversedBy sql.NullString
	)
	if err := row.Scan(&l.ID, &l.DeliveryID, &l.BookingLineID, &l.UnitID, &l.Quantity, &l.BaseQuantity, &l.ChargeAmount, &l.AdjustmentValue, &l.Reversed, &reversedAt, &reversedBy, &l.CreatedAt); err != nil {
		return l, err
	}
	if reversedAt.Valid {
		at := reversedAt.Time
		l.ReversedAt = &at
	}
	l.ReversedBy = reversedBy.String
	return l, nil
}

func (r reader) GetDeliveryLine(ctx context.Context, id string) (*domain.DeliveryLine, error) {
	l, err := scanDeliveryLine(r.q.QueryRowContext(ctx, `SELECT `+deliveryLineColumns+` FROM delivery_lines WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "delivery line %s", id)
	}
	return &l, nil
}

func (r reader) ListDeliveryLines(ctx context.Context, bookingLineID string) ([]domain.DeliveryLine, error) {
	return r.listDeliveryLines(ctx, `
		SELECT `+deliveryLineColumns+` FROM delivery_lines WHERE booking_line_id = $1 ORDER BY seq
	`, bookingLineID)
}

func (r reader) ListDeliveryLinesByDelivery(ctx context.Context, deliveryID string) ([]domain.DeliveryLine, error) {
	return r.listDeliveryLines(ctx, `
		SELECT `+deliveryLineColumns+` FROM delivery_lines WHERE delivery_id = $1 ORDER BY id COLLATE "C"
	`, deliveryID)
}

func (r reader) listDeliveryLines(ctx context.Context, query string, args ...any) ([]domain.DeliveryLine, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.DeliveryLine, 0, 8)
	for rows.Next() {
		l, err := scanDeliveryLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r reader) SumDeliveredBaseQuantity(ctx context.Context, bookingLineID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(base_quantity), 0)
		FROM delivery_lines
		WHERE booking_line_id = $1 AND NOT reversed
	`, bookingLineID).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

const documentColumns = `id, code, kind, branch_id, status, subtotal, tax, discount, other_cost, total_amount, paid_amount, created_by, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (domain.Document, error) {
	var (
		d    domain.Document
		kind string
	)
	err := row.Scan(&d.ID, &d.Code, &kind, &d.BranchID, &d.Status, &d.Subtotal, &d.Tax, &d.Discount, &d.OtherCost, &d.TotalAmount, &d.PaidAmount, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	d.Kind = domain.DocumentKind(kind)
	return d, err
}

func (r reader) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	return r.getDocument(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
}

func (r reader) getDocument(ctx context.Context, query string, id string) (*domain.Document, error) {
	doc, err := scanDocument(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "document %s", id)
	}
	lines, err := r.documentLines(ctx, []string{doc.ID})
	if err != nil {
		return nil, err
	}
	doc.Lines = lines[doc.ID]
	return &doc, nil
}

func (r reader) ListDocuments(ctx context.Context, branchID string, status string) ([]domain.Document, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE ($1::text = '' OR branch_id = $1)
		  AND ($2::text = '' OR status = $2)
		ORDER BY seq
	`, branchID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]domain.Document, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		ids = append(ids, doc.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return docs, nil
	}
	lines, err := r.documentLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].Lines = lines[docs[i].ID]
	}
	return docs, nil
}

func (r reader) documentLines(ctx context.Context, documentIDs []string) (map[string][]domain.DocumentLine, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, document_id, product_id, unit_id, quantity, rate, base_quantity, base_rate, amount
		FROM document_lines
		WHERE document_id = ANY($1)
		ORDER BY document_id, position
	`, documentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.DocumentLine, len(documentIDs))
	for rows.Next() {
		var l domain.DocumentLine
		if err := rows.Scan(&l.ID, &l.DocumentID, &l.ProductID, &l.UnitID, &l.Quantity, &l.Rate, &l.BaseQuantity, &l.BaseRate, &l.Amount); err != nil {
			return nil, err
		}
		out[l.DocumentID] = append(out[l.DocumentID], l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// pgTx holds row locks with SELECT ... FOR UPDATE until commit or rollback.
type pgTx struct {
	reader
	tx *sql.Tx
}

func (t *pgTx) CreateUnit(ctx context.Context, unit domain.Unit) error {
	key := nameKey(unit.Name)
	if unit.ID == "" || key == "" {
		return fmt.Errorf("%w: unit requires id and name", domain.ErrValidation)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO units (id, name, name_key, is_base, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, unit.ID, unit.Name, key, unit.IsBase, unit.Active, unit.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: unit name %q already registered", domain.ErrConflict, unit.Name)
	}
	return translate(err)
}

func (t *pgTx) SaveConversion(ctx context.Context, conversion domain.UnitConversion) error {
	if _, err := t.GetUnit(ctx, conversion.UnitID); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE unit_conversions SET active = false WHERE unit_id = $1 AND active
	`, conversion.UnitID); err != nil {
		return translate(err)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO unit_conversions (id, unit_id, unit_name, base_unit_id, factor, active, created_at)
		VALUES ($1,$2,$3,$4,$5,true,$6)
	`, conversion.ID, conversion.UnitID, conversion.UnitName, conversion.BaseUnitID, conversion.Factor, conversion.CreatedAt)
	return translate(err)
}

func (t *pgTx) DeactivateConversion(ctx context.Context, unitID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE unit_conversions SET active = false WHERE unit_id = $1 AND active
	`, unitID)
	if err != nil {
		return translate(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: conversion for unit %s", domain.ErrNotFound, unitID)
	}
	return nil
}

func (t *pgTx) CreateProduct(ctx context.Context, product domain.Product) error {
	if product.ID == "" {
		return fmt.Errorf("%w: product requires id", domain.ErrValidation)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (id, name, category, product_type, default_unit_id, purchase_rate, selling_rate, wholesale_rate, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, product.ID, product.Name, product.Category, string(product.Type), product.DefaultUnitID,
		product.PurchaseRate, product.SellingRate, product.WholesaleRate, product.Active, product.CreatedAt)
	return translate(err)
}

func (t *pgTx) LockStock(ctx context.Context, productID string, branchID string) (*domain.Stock, error) {
	if _, err := t.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO stocks (product_id, branch_id, quantity_on_hand, last_inbound_rate, version, updated_at)
		VALUES ($1, $2, 0, 0, 0, now())
		ON CONFLICT (product_id, branch_id) DO NOTHING
	`, productID, branchID); err != nil {
		return nil, translate(err)
	}
	row, err := scanStock(t.tx.QueryRowContext(ctx, `
		SELECT `+stockColumns+` FROM stocks
		WHERE product_id = $1 AND branch_id = $2
		FOR UPDATE
	`, productID, branchID))
	if err != nil {
		return nil, notFound(err, "stock for product %s at branch %s", productID, branchID)
	}
	return &row, nil
}

func (t *pgTx) SaveStock(ctx context.Context, row domain.Stock) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stocks
		SET quantity_on_hand = $3, last_inbound_rate = $4, version = version + 1, updated_at = $5
		WHERE product_id = $1 AND branch_id = $2 AND version = $6
	`, row.ProductID, row.BranchID, row.QuantityOnHand, row.LastInboundRate, row.UpdatedAt, row.Version)
	if err != nil {
		return translate(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := t.GetStock(ctx, row.ProductID, row.BranchID); err != nil {
			return err
		}
		return fmt.Errorf("%w: stock row %s|%s changed (have version %d)", domain.ErrConflict, row.ProductID, row.BranchID, row.Version)
	}
	return nil
}

func (t *pgTx) CreateStockMovement(ctx context.Context, m domain.StockMovement) error {
	if m.ID == "" {
		return fmt.Errorf("%w: movement requires id", domain.ErrValidation)
	}
	var rate, priorRate any
	if m.Rate != nil {
		rate = *m.Rate
	}
	if m.PriorRate != nil {
		priorRate = *m.PriorRate
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, branch_id, delta, rate, prior_rate, document_id, document_kind, line_id, reverses_id, reversed_by_id, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, m.ID, m.ProductID, m.BranchID, m.Delta, rate, priorRate, nullIfEmpty(m.DocumentID), nullIfEmpty(string(m.DocumentKind)),
		nullIfEmpty(m.LineID), nullIfEmpty(m.ReversesID), nullIfEmpty(m.ReversedByID), m.CreatedBy, m.CreatedAt)
	return translate(err)
}

func (t *pgTx) MarkStockMovementReversed(ctx context.Context, id string, reversedByID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_movements SET reversed_by_id = $2 WHERE id = $1 AND reversed_by_id IS NULL
	`, id, reversedByID)
	if err != nil {
		return translate(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := t.GetStockMovement(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: movement %s already reversed", domain.ErrConflict, id)
	}
	return nil
}

func (t *pgTx) LockBookingLine(ctx context.Context, id string) (*domain.BookingLine, error) {
	l, err := scanBookingLine(t.tx.QueryRowContext(ctx, `
		SELECT `+bookingLineColumns+` FROM booking_lines WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return nil, notFound(err, "booking line %s", id)
	}
	return &l, nil
}

func (t *pgTx) CreateBookingLine(ctx context.Context, l domain.BookingLine) error {
	if l.ID == "" || l.BookingID == "" {
		return fmt.Errorf("%w: booking line requires id and booking id", domain.ErrValidation)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO booking_lines (id, booking_id, product_id, unit_id, quantity, rate, base_quantity, base_rate, cancelled, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, l.ID, l.BookingID, l.ProductID, l.UnitID, l.Quantity, l.Rate, l.BaseQuantity, l.BaseRate, l.Cancelled, l.CreatedAt)
	return translate(err)
}

func (t *pgTx) CancelBookingLine(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE booking_lines SET cancelled = true WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: booking line %s", domain.ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) LockDeliveryLine(ctx context.Context, id string) (*domain.DeliveryLine, error) {
	l, err := scanDeliveryLine(t.tx.QueryRowContext(ctx, `
		SELECT `+deliveryLineColumns+` FROM delivery_lines WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return nil, notFound(err, "delivery line %s", id)
	}
	return &l, nil
}

func (t *pgTx) CreateDeliveryLine(ctx context.Context, l domain.DeliveryLine) error {
	if l.ID == "" || l.BookingLineID == "" {
		return fmt.Errorf("%w: delivery line requires id and booking line id", domain.ErrValidation)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO delivery_lines (id, delivery_id, booking_line_id, unit_id, quantity, base_quantity, charge_amount, adjustment_value, reversed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false,$9)
	`, l.ID, l.DeliveryID, l.BookingLineID, l.UnitID, l.Quantity, l.BaseQuantity, l.ChargeAmount, l.AdjustmentValue, l.CreatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: booking line %s", domain.ErrNotFound, l.BookingLineID)
	}
	return translate(err)
}

func (t *pgTx) ReverseDeliveryLine(ctx context.Context, id string, actorID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE delivery_lines
		SET reversed = true, reversed_at = $2, reversed_by = $3
		WHERE id = $1 AND NOT reversed
	`, id, at, actorID)
	if err != nil {
		return translate(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := t.GetDeliveryLine(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: delivery line %s already reversed", domain.ErrConflict, id)
	}
	return nil
}

func (t *pgTx) LockDocument(ctx context.Context, id string) (*domain.Document, error) {
	return t.getDocument(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) CreateDocument(ctx context.Context, doc domain.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document requires id", domain.ErrValidation)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO documents (id, code, kind, branch_id, status, subtotal, tax, discount, other_cost, total_amount, paid_amount, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, doc.ID, doc.Code, string(doc.Kind), doc.BranchID, doc.Status, doc.Subtotal, doc.Tax, doc.Discount, doc.OtherCost,
		doc.TotalAmount, doc.PaidAmount, doc.CreatedBy, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return translate(err)
	}

	for i, line := range doc.Lines {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO document_lines (id, document_id, position, product_id, unit_id, quantity, rate, base_quantity, base_rate, amount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, line.ID, doc.ID, i, line.ProductID, line.UnitID, line.Quantity, line.Rate, line.BaseQuantity, line.BaseRate, line.Amount); err != nil {
			return translate(err)
		}
	}
	return nil
}

func (t *pgTx) UpdateDocumentHeader(ctx context.Context, doc domain.Document) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE documents
		SET status = $2, subtotal = $3, tax = $4, discount = $5, other_cost = $6,
		    total_amount = $7, paid_amount = $8, updated_at = $9
		WHERE id = $1
	`, doc.ID, doc.Status, doc.Subtotal, doc.Tax, doc.Discount, doc.OtherCost, doc.TotalAmount, doc.PaidAmount, doc.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: document %s", domain.ErrNotFound, doc.ID)
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}

// translate maps driver errors onto ledger errors; other errors pass through.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Detail)
	case "40001", "40P01":
		return fmt.Errorf("%w: concurrent update, retry", domain.ErrConflict)
	case "23503", "23514":
		return fmt.Errorf("%w: %s", domain.ErrValidation, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
