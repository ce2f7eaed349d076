package lookup

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/money"
)

// Store is the persistence surface lookup imports write to. Inserts are
// keyed on the external identity, so re-importing the same export is a no-op.
type Store interface {
	InsertCommerceOrders(ctx context.Context, orders []model.CommerceOrder) (int64, error)
	InsertCommerceReturns(ctx context.Context, returns []model.CommerceReturn) (int64, error)
	InsertAppStorePurchases(ctx context.Context, purchases []model.AppStorePurchase) (int64, error)
}

// Result summarizes one file import.
type Result struct {
	Read     int   `json:"read"`
	Inserted int64 `json:"inserted"`
	Skipped  int   `json:"skipped"`
}

// Importer loads purchase-history exports into the lookup tables.
type Importer struct {
	store Store
}

// NewImporter creates an Importer.
func NewImporter(store Store) *Importer {
	return &Importer{store: store}
}

// ImportOrdersCSV ingests an order-history CSV. Expected columns:
// order_id, product_name, merchant, total, currency, ordered_at.
func (im *Importer) ImportOrdersCSV(ctx context.Context, source string, r io.Reader) (Result, error) {
	var orders []model.CommerceOrder
	required := []string{"order_id", "product_name", "total", "ordered_at"}

	skipped, err := readCSVRows(r, required, func(h header, row []string) error {
		total, err := money.ParseMinor(h.get(row, "total"))
		if err != nil {
			return rowFault("orders", row, err)
		}
		orderedAt, err := time.Parse("2006-01-02", h.get(row, "ordered_at"))
		if err != nil {
			return rowFault("orders", row, err)
		}
		orders = append(orders, model.CommerceOrder{
			ID:              uuid.NewString(),
			Source:          source,
			ExternalOrderID: h.get(row, "order_id"),
			ProductName:     h.get(row, "product_name"),
			Merchant:        h.get(row, "merchant"),
			TotalMinor:      total,
			Currency:        h.get(row, "currency"),
			OrderedAt:       orderedAt,
		})
		return nil
	})
	if err != nil {
		return Result{}, eris.Wrap(err, "lookup: import orders")
	}

	inserted, err := im.store.InsertCommerceOrders(ctx, orders)
	if err != nil {
		return Result{}, eris.Wrap(err, "lookup: import orders")
	}
	return im.finish("orders", source, len(orders), inserted, skipped), nil
}

// ImportReturnsCSV ingests a returns/refunds CSV. Expected columns:
// order_id, product_name, refund, currency, refunded_at.
func (im *Importer) ImportReturnsCSV(ctx context.Context, source string, r io.Reader) (Result, error) {
	var returns []model.CommerceReturn
	required := []string{"order_id", "product_name", "refund", "refunded_at"}

	skipped, err := readCSVRows(r, required, func(h header, row []string) error {
		refund, err := money.ParseMinor(h.get(row, "refund"))
		if err != nil {
			return rowFault("returns", row, err)
		}
		refundedAt, err := time.Parse("2006-01-02", h.get(row, "refunded_at"))
		if err != nil {
			return rowFault("returns", row, err)
		}
		returns = append(returns, model.CommerceReturn{
			ID:              uuid.NewString(),
			Source:          source,
			ExternalOrderID: h.get(row, "order_id"),
			ProductName:     h.get(row, "product_name"),
			RefundMinor:     refund,
			Currency:        h.get(row, "currency"),
			RefundedAt:      refundedAt,
		})
		return nil
	})
	if err != nil {
		return Result{}, eris.Wrap(err, "lookup: import returns")
	}

	inserted, err := im.store.InsertCommerceReturns(ctx, returns)
	if err != nil {
		return Result{}, eris.Wrap(err, "lookup: import returns")
	}
	return im.finish("returns", source, len(returns), inserted, skipped), nil
}

// ImportAppStoreXLSX ingests an app-store purchase report workbook. Expected
// columns on the selected sheet: app_name, price, currency, purchased_at.
func (im *Importer) ImportAppStoreXLSX(ctx context.Context, store string, path string, opts XLSXOptions) (Result, error) {
	var purchases []model.AppStorePurchase
	required := []string{"app_name", "price", "purchased_at"}

	skipped, err := readXLSXRows(path, opts, required, func(h header, row []string) error {
		price, err := money.ParseMinor(h.get(row, "price"))
		if err != nil {
			return rowFault("appstore", row, err)
		}
		purchasedAt, err := time.Parse("2006-01-02", h.get(row, "purchased_at"))
		if err != nil {
			return rowFault("appstore", row, err)
		}
		purchases = append(purchases, model.AppStorePurchase{
			ID:          uuid.NewString(),
			Store:       store,
			AppName:     h.get(row, "app_name"),
			PriceMinor:  price,
			Currency:    h.get(row, "currency"),
			PurchasedAt: purchasedAt,
		})
		return nil
	})
	if err != nil {
		return Result{}, eris.Wrap(err, "lookup: import appstore report")
	}

	inserted, err := im.store.InsertAppStorePurchases(ctx, purchases)
	if err != nil {
		return Result{}, eris.Wrap(err, "lookup: import appstore report")
	}
	return im.finish("appstore", store, len(purchases), inserted, skipped), nil
}

func (im *Importer) finish(kind, source string, read int, inserted int64, skipped int) Result {
	zap.L().Info("lookup: import finished",
		zap.String("kind", kind),
		zap.String("source", source),
		zap.Int("read", read),
		zap.Int64("inserted", inserted),
		zap.Int("skipped", skipped),
	)
	return Result{Read: read, Inserted: inserted, Skipped: skipped}
}

func rowFault(kind string, row []string, err error) error {
	zap.L().Warn("lookup: skipping row",
		zap.String("kind", kind),
		zap.Strings("row", row),
		zap.Error(err),
	)
	return err
}
