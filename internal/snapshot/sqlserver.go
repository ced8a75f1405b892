package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/silvercrystal/batch-allocator/internal/config"
)

// SQLReader implements Reader against the SQL Server mirror.
type SQLReader struct {
	db *sql.DB
}

// OpenSQL connects to the mirror database. The pool is sized for the worker
// count plus the single-threaded tail passes.
func OpenSQL(cfg config.MirrorConfig, workers int) (*SQLReader, error) {
	dsn := fmt.Sprintf(
		"sqlserver://%s:%s@%s:%s?database=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
	)

	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}

	db.SetMaxOpenConns(workers + 2)
	db.SetMaxIdleConns(workers)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mirror: %w", err)
	}
	return &SQLReader{db: db}, nil
}

// Close releases the connection pool.
func (r *SQLReader) Close() error {
	return r.db.Close()
}

const openOrdersQuery = `
SELECT
    CAST(o.MasterorderId AS VARCHAR(36)) AS MasterorderId,
    o.MasterorderName,
    o.OrderstatusType
FROM [dbo].[Masterorder] o WITH (NOLOCK)
WHERE o.DirectionType = 2`

func (r *SQLReader) OpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx, openOrdersQuery)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		var status int
		if err := rows.Scan(&o.ID, &o.Name, &status); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = StatusFromCode(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *SQLReader) OrderByName(ctx context.Context, name string) (*Order, error) {
	row := r.db.QueryRowContext(ctx, openOrdersQuery+` AND o.MasterorderName = @p1`, name)

	var o Order
	var status int
	if err := row.Scan(&o.ID, &o.Name, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query order %s: %w", name, err)
	}
	o.Status = StatusFromCode(status)
	return &o, nil
}

func (r *SQLReader) BatchByName(ctx context.Context, name string) (*Batch, error) {
	const q = `
SELECT
    CAST(w.WorkorderId AS VARCHAR(36)) AS WorkorderId,
    w.WorkorderName
FROM [dbo].[Workorder] w WITH (NOLOCK)
WHERE w.WorkorderName = @p1`

	row := r.db.QueryRowContext(ctx, q, name)

	var b Batch
	if err := row.Scan(&b.ID, &b.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query batch %s: %w", name, err)
	}
	return &b, nil
}

func (r *SQLReader) WorkOrderLines(ctx context.Context, orderID string) ([]WorkOrderLine, error) {
	const q = `
SELECT
    CAST(l.WorkorderlineId AS VARCHAR(36)) AS WorkorderlineId,
    CAST(l.MasterorderId AS VARCHAR(36)) AS MasterorderId
FROM [dbo].[Workorderline] l WITH (NOLOCK)
WHERE l.MasterorderId = @p1
ORDER BY l.LineNumber ASC`

	rows, err := r.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("query work order lines for %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []WorkOrderLine
	for rows.Next() {
		var l WorkOrderLine
		if err := rows.Scan(&l.ID, &l.OrderID); err != nil {
			return nil, fmt.Errorf("scan work order line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *SQLReader) SourceBOM(ctx context.Context, soNumbers []string) ([]BOMRow, error) {
	if len(soNumbers) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(soNumbers))
	args := make([]any, len(soNumbers))
	for i, n := range soNumbers {
		placeholders[i] = fmt.Sprintf("@p%d", i+1)
		args[i] = n
	}

	q := fmt.Sprintf(`
SELECT
    CAST(T0.DocNum AS VARCHAR(32)) AS DocNum,
    T0.DocDueDate, T1.LineNum, T1.WhsCode, T1.ItemCode,
    T1.Dscription, T1.Quantity, T1.FreeTxt,
    CAST(T5.ItmsGrpCod AS VARCHAR(16)) AS ItmsGrpCod, T5.U_PLS_PPG_ITEM,
    COALESCE(CAST(T6.MaterialId AS VARCHAR(36)), '') AS MaterialId
FROM [dbo].[ORDR] T0 WITH (NOLOCK)
INNER JOIN [dbo].[RDR1] T1 WITH (NOLOCK) ON T0.DocEntry = T1.DocEntry
INNER JOIN [dbo].[OITM] T5 WITH (NOLOCK) ON T1.ItemCode = T5.ItemCode
LEFT JOIN [dbo].[Materialbase] T6 WITH (NOLOCK) ON T6.MaterialName = T1.ItemCode
WHERE T0.DocNum IN (%s)`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query source BOM: %w", err)
	}
	defer rows.Close()

	var out []BOMRow
	for rows.Next() {
		var b BOMRow
		var freeText, description, pickItem, groupCode, materialID sql.NullString
		if err := rows.Scan(
			&b.DocNum, &b.DocDueDate, &b.LineNum, &b.Warehouse, &b.ItemCode,
			&description, &b.Quantity, &freeText,
			&groupCode, &pickItem, &materialID,
		); err != nil {
			return nil, fmt.Errorf("scan BOM row: %w", err)
		}
		b.Description = description.String
		b.FreeText = freeText.String
		b.PickItem = pickItem.String
		b.GroupCode = groupCode.String
		b.MaterialID = materialID.String
		out = append(out, b)
	}
	return out, rows.Err()
}
