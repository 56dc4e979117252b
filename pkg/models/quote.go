package models

import (
	"fmt"
	"strconv"
	"time"
)

// Quote is the latest price for one symbol.
type Quote struct {
	Symbol    string    `json:"symbol" validate:"required,ticker"`
	Price     float64   `json:"price" validate:"gt=0"`
	Timestamp time.Time `json:"timestamp"`
}

// ToMap converts a Quote to hash fields for the Redis snapshot.
func (q Quote) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"symbol":    q.Symbol,
		"price":     fmt.Sprintf("%.8f", q.Price),
		"timestamp": q.Timestamp.UnixMilli(),
	}
}

// QuoteFromMap parses hash fields written by ToMap.
func QuoteFromMap(m map[string]string) (Quote, error) {
	var q Quote
	q.Symbol = m["symbol"]
	if q.Symbol == "" {
		return q, fmt.Errorf("missing 'symbol'")
	}
	price, err := strconv.ParseFloat(m["price"], 64)
	if err != nil {
		return q, fmt.Errorf("invalid 'price': %w", err)
	}
	q.Price = price
	ms, err := strconv.ParseInt(m["timestamp"], 10, 64)
	if err != nil {
		return q, fmt.Errorf("invalid 'timestamp': %w", err)
	}
	q.Timestamp = time.UnixMilli(ms).UTC()
	return q, nil
}
