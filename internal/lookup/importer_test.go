package lookup

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/arcfin/ledgersync/internal/model"
)

type captureStore struct {
	orders    []model.CommerceOrder
	returns   []model.CommerceReturn
	purchases []model.AppStorePurchase
}

func (c *captureStore) InsertCommerceOrders(ctx context.Context, orders []model.CommerceOrder) (int64, error) {
	c.orders = append(c.orders, orders...)
	return int64(len(orders)), nil
}

func (c *captureStore) InsertCommerceReturns(ctx context.Context, returns []model.CommerceReturn) (int64, error) {
	c.returns = append(c.returns, returns...)
	return int64(len(returns)), nil
}

func (c *captureStore) InsertAppStorePurchases(ctx context.Context, purchases []model.AppStorePurchase) (int64, error) {
	c.purchases = append(c.purchases, purchases...)
	return int64(len(purchases)), nil
}

func TestImportOrdersCSV(t *testing.T) {
	csvData := `order_id,product_name,merchant,total,currency,ordered_at
A-1,Wireless Mouse,Webshop,29.99,EUR,2025-03-10
A-2,Standing Desk,Webshop,399.00,EUR,2025-03-12
A-3,Broken Row,Webshop,not-a-number,EUR,2025-03-13
`
	store := &captureStore{}
	im := NewImporter(store)

	res, err := im.ImportOrdersCSV(context.Background(), "webshop", strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, Result{Read: 2, Inserted: 2, Skipped: 1}, res)

	require.Len(t, store.orders, 2)
	o := store.orders[0]
	assert.Equal(t, "webshop", o.Source)
	assert.Equal(t, "A-1", o.ExternalOrderID)
	assert.Equal(t, "Wireless Mouse", o.ProductName)
	assert.Equal(t, int64(2999), o.TotalMinor)
	assert.Equal(t, "2025-03-10", o.OrderedAt.Format("2006-01-02"))
	assert.NotEmpty(t, o.ID)
}

func TestImportOrdersCSVHeaderOrderIrrelevant(t *testing.T) {
	csvData := `Total,Ordered_At,Product_Name,Order_ID
12.00,2025-03-10,Socks,B-9
`
	store := &captureStore{}
	res, err := NewImporter(store).ImportOrdersCSV(context.Background(), "webshop", strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, Result{Read: 1, Inserted: 1}, res)
	require.Len(t, store.orders, 1)
	assert.Equal(t, "B-9", store.orders[0].ExternalOrderID)
	assert.Equal(t, int64(1200), store.orders[0].TotalMinor)
}

func TestImportOrdersCSVMissingColumn(t *testing.T) {
	csvData := "order_id,product_name\nA-1,Mouse\n"
	_, err := NewImporter(&captureStore{}).ImportOrdersCSV(context.Background(), "webshop", strings.NewReader(csvData))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total")
}

func TestImportReturnsCSV(t *testing.T) {
	csvData := `order_id,product_name,refund,currency,refunded_at
A-1,Wireless Mouse,29.99,EUR,2025-03-20
`
	store := &captureStore{}
	res, err := NewImporter(store).ImportReturnsCSV(context.Background(), "webshop", strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, Result{Read: 1, Inserted: 1}, res)
	require.Len(t, store.returns, 1)
	assert.Equal(t, int64(2999), store.returns[0].RefundMinor)
}

func createAppStoreXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Purchases")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cell := range rowData {
			row.AddCell().SetString(cell)
		}
	}
	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestImportAppStoreXLSX(t *testing.T) {
	path := createAppStoreXLSX(t, [][]string{
		{"app_name", "price", "currency", "purchased_at"},
		{"Procreate", "14.99", "EUR", "2025-03-10"},
		{"Bad Row", "free", "EUR", "2025-03-11"},
	})

	store := &captureStore{}
	res, err := NewImporter(store).ImportAppStoreXLSX(context.Background(), "apple", path, XLSXOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Read: 1, Inserted: 1, Skipped: 1}, res)

	require.Len(t, store.purchases, 1)
	p := store.purchases[0]
	assert.Equal(t, "apple", p.Store)
	assert.Equal(t, "Procreate", p.AppName)
	assert.Equal(t, int64(1499), p.PriceMinor)
}

func TestImportAppStoreXLSXNamedSheet(t *testing.T) {
	path := createAppStoreXLSX(t, [][]string{
		{"app_name", "price", "purchased_at"},
		{"Things", "9.99", "2025-03-10"},
	})

	store := &captureStore{}
	_, err := NewImporter(store).ImportAppStoreXLSX(context.Background(), "apple", path,
		XLSXOptions{SheetName: "Purchases"})
	require.NoError(t, err)
	require.Len(t, store.purchases, 1)

	_, err = NewImporter(store).ImportAppStoreXLSX(context.Background(), "apple", path,
		XLSXOptions{SheetName: "Missing"})
	assert.Error(t, err)
}
