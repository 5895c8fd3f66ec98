package models

import "gorm.io/gorm"

// Holding represents the number of shares of a symbol a user currently owns.
// There is at most one row per (user, symbol). A holding that reaches zero
// shares is deleted rather than kept around, so a row always means ownership.
type Holding struct {
	gorm.Model
	UserID uint   `gorm:"uniqueIndex:idx_user_symbol;not null"`
	Symbol string `gorm:"uniqueIndex:idx_user_symbol;not null"`
	Shares int64  `gorm:"not null"`
}
