package domain

import (
	"time"
)

// Transaction is the record evaluated by the engine. Core fields are
// first-class columns; anything else rides in Fields and is reachable by
// condition paths ("metadata.device_id" style).
type Transaction struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Merchant  string    `json:"merchant,omitempty"`
	Category  string    `json:"category,omitempty"`
	Country   string    `json:"country,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// FraudLabel is the confirmed disposition used by backtesting and
	// training. Nil means unlabeled.
	FraudLabel *bool `json:"fraudLabel,omitempty"`

	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Context flattens the transaction into the field map conditions evaluate
// against. Core fields win over Fields entries of the same name.
func (t *Transaction) Context() map[string]interface{} {
	ctx := make(map[string]interface{}, len(t.Fields)+9)
	for k, v := range t.Fields {
		ctx[k] = v
	}
	ctx["id"] = t.ID
	ctx["account_id"] = t.AccountID
	ctx["amount"] = t.Amount
	ctx["currency"] = t.Currency
	if t.Merchant != "" {
		ctx["merchant"] = t.Merchant
	}
	if t.Category != "" {
		ctx["category"] = t.Category
	}
	if t.Country != "" {
		ctx["country"] = t.Country
	}
	if t.Status != "" {
		ctx["status"] = t.Status
	}
	ctx["timestamp"] = t.Timestamp.Unix()
	return ctx
}

// ScanFilter selects the transactions a batch scan visits. Zero values
// mean "no constraint".
type ScanFilter struct {
	IDFrom    string     `json:"idFrom,omitempty"`
	IDTo      string     `json:"idTo,omitempty"`
	DateFrom  *time.Time `json:"dateFrom,omitempty"`
	DateTo    *time.Time `json:"dateTo,omitempty"`
	AmountMin *float64   `json:"amountMin,omitempty"`
	AmountMax *float64   `json:"amountMax,omitempty"`
	Status    string     `json:"status,omitempty"`

	// RuleIDs restricts the scan to a subset of active rules.
	RuleIDs []string `json:"ruleIds,omitempty"`
}

// PageCursor marks the resume point within a paged transaction walk.
// Pages are ordered by (timestamp, id); the cursor carries the last row
// of the previous page.
type PageCursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}
