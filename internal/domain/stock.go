package domain

import (
	"time"

	"github.com/google/uuid"
)

// StockLedgerEntry is written once per (OrderID, ProductID). Its existence
// means the decrement for that line has been applied.
type StockLedgerEntry struct {
	OrderID       uuid.UUID
	ProductID     string
	QuantityDelta int
	Shortfall     int
	AppliedAt     time.Time
}

type DecrementResult struct {
	Applied   bool
	Remaining int
	Shortfall int
}
