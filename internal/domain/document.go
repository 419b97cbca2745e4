package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMalformedDocument is returned when a report document is not well-formed structured data.
var ErrMalformedDocument = errors.New("malformed report document")

// DocumentShape identifies which top-level form a report document took.
type DocumentShape int

const (
	ShapeArray      DocumentShape = iota + 1 // bare JSON array of records
	ShapeRecords                             // {"records": [...]}
	ShapeDataByAsin                          // {"dataByAsin": [...]}, the reporting API's native form
	ShapeSingle                              // a single inline record object
)

func (s DocumentShape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeRecords:
		return "records"
	case ShapeDataByAsin:
		return "dataByAsin"
	case ShapeSingle:
		return "single"
	}
	return "unknown"
}

// Money is a monetary amount with its currency.
type Money struct {
	Amount       float64 `json:"amount"`
	CurrencyCode string  `json:"currencyCode"`
}

// RawRecord is one record as it appears in a report document. Every measure group is
// optional; missing groups and amounts default to zero.
type RawRecord struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	ASIN      string `json:"asin"`

	ImpressionData *struct {
		ImpressionCount       float64 `json:"impressionCount"`
		ImpressionMedianPrice *Money  `json:"impressionMedianPrice"`
	} `json:"impressionData"`

	ClickData *struct {
		ClickCount         float64 `json:"clickCount"`
		ClickRate          float64 `json:"clickRate"`
		ClickedMedianPrice *Money  `json:"clickedMedianPrice"`
	} `json:"clickData"`

	CartAddData *struct {
		CartAddCount         float64 `json:"cartAddCount"`
		CartAddedMedianPrice *Money  `json:"cartAddedMedianPrice"`
	} `json:"cartAddData"`

	PurchaseData *struct {
		PurchaseCount       float64 `json:"purchaseCount"`
		ConversionRate      float64 `json:"conversionRate"`
		PurchaseMedianPrice *Money  `json:"purchaseMedianPrice"`
		SearchTrafficSales  *Money  `json:"searchTrafficSales"`
	} `json:"purchaseData"`
}

// NormalizeDocument turns the variable top-level shape of a report document into a flat
// sequence of records. An empty sequence is a valid result (no data for the window).
func NormalizeDocument(raw []byte) (DocumentShape, []RawRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, nil, fmt.Errorf("%w: empty content", ErrMalformedDocument)
	}

	switch trimmed[0] {
	case '[':
		var records []RawRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		return ShapeArray, records, nil
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		if list, ok := fields["records"]; ok {
			records, err := decodeList(list)
			return ShapeRecords, records, err
		}
		if list, ok := fields["dataByAsin"]; ok {
			records, err := decodeList(list)
			return ShapeDataByAsin, records, err
		}
		if _, ok := fields["asin"]; ok {
			var rec RawRecord
			if err := json.Unmarshal(trimmed, &rec); err != nil {
				return 0, nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
			}
			return ShapeSingle, []RawRecord{rec}, nil
		}
		return 0, nil, fmt.Errorf("%w: object has no records, dataByAsin or asin field", ErrMalformedDocument)
	}
	return 0, nil, fmt.Errorf("%w: unexpected leading %q", ErrMalformedDocument, trimmed[0])
}

func decodeList(list json.RawMessage) ([]RawRecord, error) {
	var records []RawRecord
	if err := json.Unmarshal(list, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return records, nil
}

// RowContext carries the identifying fields stamped onto every row of one import.
type RowContext struct {
	CronJobID      uint
	ReportID       string
	AmazonSellerID string
	SellerID       uint
}

// ToMetricRow maps a raw record to a MetricRow. Only a missing ASIN or an unreadable date
// window rejects the record; absent measures default to zero.
func (r *RawRecord) ToMetricRow(rc RowContext) (MetricRow, error) {
	asin := strings.TrimSpace(r.ASIN)
	if asin == "" {
		return MetricRow{}, errors.New("record has no asin")
	}
	start, err := ParseReportDate(r.StartDate)
	if err != nil {
		return MetricRow{}, fmt.Errorf("asin %s: startDate: %w", asin, err)
	}
	end, err := ParseReportDate(r.EndDate)
	if err != nil {
		return MetricRow{}, fmt.Errorf("asin %s: endDate: %w", asin, err)
	}
	if end.Before(start) {
		return MetricRow{}, fmt.Errorf("asin %s: endDate %s before startDate %s", asin, r.EndDate, r.StartDate)
	}

	row := MetricRow{
		CronJobID:      rc.CronJobID,
		ReportID:       rc.ReportID,
		AmazonSellerID: rc.AmazonSellerID,
		SellerID:       rc.SellerID,
		ASIN:           asin,
		StartDate:      start.Format(DateLayout),
		EndDate:        end.Format(DateLayout),
	}

	var currencies []*Money
	if d := r.ImpressionData; d != nil {
		row.ImpressionCount = count(d.ImpressionCount)
		row.ImpressionMedianPrice = amount(d.ImpressionMedianPrice)
	}
	if d := r.ClickData; d != nil {
		row.ClickCount = count(d.ClickCount)
		row.ClickRate = d.ClickRate
		row.ClickedMedianPrice = amount(d.ClickedMedianPrice)
		currencies = append(currencies, d.ClickedMedianPrice)
	}
	if d := r.CartAddData; d != nil {
		row.CartAddCount = count(d.CartAddCount)
		row.CartAddedMedianPrice = amount(d.CartAddedMedianPrice)
		currencies = append(currencies, d.CartAddedMedianPrice)
	}
	if d := r.PurchaseData; d != nil {
		row.PurchaseCount = count(d.PurchaseCount)
		row.ConversionRate = d.ConversionRate
		row.PurchaseMedianPrice = amount(d.PurchaseMedianPrice)
		row.SearchTrafficSales = amount(d.SearchTrafficSales)
		currencies = append(currencies, d.PurchaseMedianPrice)
	}
	// click price, then cart-add price, then purchase price
	for _, m := range currencies {
		if m != nil && m.CurrencyCode != "" {
			row.CurrencyCode = m.CurrencyCode
			break
		}
	}
	return row, nil
}

// ParseReportDate accepts plain dates and RFC 3339 timestamps, keeping only the calendar day.
func ParseReportDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func count(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Round(v))
}

func amount(m *Money) float64 {
	if m == nil {
		return 0
	}
	return m.Amount
}
