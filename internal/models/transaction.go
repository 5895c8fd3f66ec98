package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Transaction is an immutable record of a single executed trade.
// Shares is signed: positive for a buy, negative for a sell. Price is the
// quoted price at execution time. Rows are append-only and never updated.
type Transaction struct {
	gorm.Model
	UserID    uint            `gorm:"index;not null"`
	Symbol    string          `gorm:"not null"`
	Shares    int64           `gorm:"not null"`
	Price     decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Timestamp time.Time       `gorm:"index;not null"`
}
