package domain

import "encoding/json"

const (
	ReportTypeDaily    = "daily"
	ReportTypeCategory = "category"
	ReportTypeSummary  = "summary"
)

// ReportRow is one group of a daily or category report. Exactly one of Date
// and Category is set.
type ReportRow struct {
	Date          string   `json:"date,omitempty"`
	Category      Category `json:"category,omitempty"`
	TotalSales    Money    `json:"total_sales"`
	TotalQuantity int64    `json:"total_quantity"`
	TeaCount      int64    `json:"tea_count"`
}

type SalesTotals struct {
	TotalAmount       Money `json:"total_amount"`
	TotalQuantity     int64 `json:"total_quantity"`
	TotalTransactions int64 `json:"total_transactions"`
}

type TopTea struct {
	Name         string   `json:"name"`
	Category     Category `json:"category"`
	TotalSold    int64    `json:"total_sold"`
	TotalRevenue Money    `json:"total_revenue"`
}

type LowStockTea struct {
	Name          string   `json:"name"`
	Category      Category `json:"category"`
	StockQuantity int      `json:"stock_quantity"`
}

type Report struct {
	Type           string        `json:"type"`
	StartDate      string        `json:"start_date"`
	EndDate        string        `json:"end_date"`
	Data           []ReportRow   `json:"data"`
	Totals         *SalesTotals  `json:"totals"`
	TopTeas        []TopTea      `json:"top_teas"`
	LowStockAlerts []LowStockTea `json:"low_stock_alerts"`
}

// MarshalJSON emits only the sections that belong to the report type, with
// empty lists rendered as [] rather than null.
func (r Report) MarshalJSON() ([]byte, error) {
	if r.Totals != nil {
		topTeas := r.TopTeas
		if topTeas == nil {
			topTeas = []TopTea{}
		}
		lowStock := r.LowStockAlerts
		if lowStock == nil {
			lowStock = []LowStockTea{}
		}
		return json.Marshal(struct {
			Type           string        `json:"type"`
			StartDate      string        `json:"start_date"`
			EndDate        string        `json:"end_date"`
			Totals         *SalesTotals  `json:"totals"`
			TopTeas        []TopTea      `json:"top_teas"`
			LowStockAlerts []LowStockTea `json:"low_stock_alerts"`
		}{r.Type, r.StartDate, r.EndDate, r.Totals, topTeas, lowStock})
	}

	data := r.Data
	if data == nil {
		data = []ReportRow{}
	}
	return json.Marshal(struct {
		Type      string      `json:"type"`
		StartDate string      `json:"start_date"`
		EndDate   string      `json:"end_date"`
		Data      []ReportRow `json:"data"`
	}{r.Type, r.StartDate, r.EndDate, data})
}

type PeriodStats struct {
	SalesCount   int64 `json:"sales_count"`
	Revenue      Money `json:"revenue"`
	QuantitySold int64 `json:"quantity_sold"`
}

type InventorySnapshot struct {
	TotalTeas     int64 `json:"total_teas"`
	TotalStock    int64 `json:"total_stock"`
	LowStockCount int64 `json:"low_stock_count"`
}

type Dashboard struct {
	Today     PeriodStats       `json:"today"`
	ThisMonth PeriodStats       `json:"this_month"`
	Inventory InventorySnapshot `json:"inventory"`
	Date      string            `json:"date"`
}
