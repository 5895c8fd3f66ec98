package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stock-trading-sim-go/internal/models"
	"stock-trading-sim-go/internal/quotes"
)

// Service owns the rule for mutating a user's cash balance and share
// holdings. Every mutation runs inside a single database transaction and is
// serialized per user, so two concurrent trades can never both pass the
// funds or shares check against a stale balance.
type Service struct {
	db     *gorm.DB
	quotes quotes.ClientInterface
	logger *zap.Logger
	muMap  map[uint]*sync.Mutex // per-user locks
	mapMu  sync.Mutex           // protects muMap itself
}

// NewService creates a new ledger service.
func NewService(db *gorm.DB, quoteClient quotes.ClientInterface, logger *zap.Logger) *Service {
	return &Service{
		db:     db,
		quotes: quoteClient,
		logger: logger,
		muMap:  make(map[uint]*sync.Mutex),
	}
}

func (s *Service) userLock(userID uint) *sync.Mutex {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	if _, exists := s.muMap[userID]; !exists {
		s.muMap[userID] = &sync.Mutex{}
	}
	return s.muMap[userID]
}

// ExecuteBuy purchases shares of a symbol at the current market price.
// Preconditions are checked in order, failing fast on the first violation:
// positive share count, resolvable symbol, sufficient cash. A buy whose cost
// exactly equals the balance succeeds and leaves the balance at zero.
func (s *Service) ExecuteBuy(ctx context.Context, userID uint, symbol string, shares int64) error {
	if shares <= 0 {
		return ErrInvalidQuantity
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return ErrUnknownSymbol
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	// Fresh lookup under the lock: the quoted price is the execution price.
	quote, err := s.quotes.Lookup(ctx, symbol)
	if err != nil {
		if errors.Is(err, quotes.ErrNotFound) {
			return ErrUnknownSymbol
		}
		return fmt.Errorf("quote lookup failed: %w", err)
	}

	cost := quote.Price.Mul(decimal.NewFromInt(shares))

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			return fmt.Errorf("could not load user %d: %w", userID, err)
		}

		if cost.GreaterThan(user.Cash) {
			return ErrInsufficientFunds
		}

		record := models.Transaction{
			UserID:    userID,
			Symbol:    symbol,
			Shares:    shares,
			Price:     quote.Price,
			Timestamp: time.Now().UTC(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("could not record transaction: %w", err)
		}

		var holding models.Holding
		err := tx.Where("user_id = ? AND symbol = ?", userID, symbol).First(&holding).Error
		switch {
		case err == nil:
			if err := tx.Model(&holding).Update("shares", holding.Shares+shares).Error; err != nil {
				return fmt.Errorf("could not update holding: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			holding = models.Holding{UserID: userID, Symbol: symbol, Shares: shares}
			if err := tx.Create(&holding).Error; err != nil {
				return fmt.Errorf("could not create holding: %w", err)
			}
		default:
			return fmt.Errorf("could not load holding: %w", err)
		}

		if err := tx.Model(&user).Update("cash", user.Cash.Sub(cost)).Error; err != nil {
			return fmt.Errorf("could not debit cash: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Executed buy",
		zap.Uint("user_id", userID),
		zap.String("symbol", symbol),
		zap.Int64("shares", shares),
		zap.String("price", quote.Price.String()),
	)
	return nil
}

// ExecuteSell sells shares of a symbol at the current market price. The share
// count is positive at this boundary; the signed delta only appears in the
// recorded transaction. Selling the exact held count succeeds and removes the
// holding row, so the symbol no longer shows up as owned.
func (s *Service) ExecuteSell(ctx context.Context, userID uint, symbol string, shares int64) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return ErrInvalidSymbol
	}
	if shares <= 0 {
		return ErrInvalidQuantity
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	quote, err := s.quotes.Lookup(ctx, symbol)
	if err != nil {
		if errors.Is(err, quotes.ErrNotFound) {
			return ErrUnknownSymbol
		}
		return fmt.Errorf("quote lookup failed: %w", err)
	}

	proceeds := quote.Price.Mul(decimal.NewFromInt(shares))

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var holding models.Holding
		err := tx.Where("user_id = ? AND symbol = ?", userID, symbol).First(&holding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInsufficientShares
		}
		if err != nil {
			return fmt.Errorf("could not load holding: %w", err)
		}
		if holding.Shares < shares {
			return ErrInsufficientShares
		}

		record := models.Transaction{
			UserID:    userID,
			Symbol:    symbol,
			Shares:    -shares,
			Price:     quote.Price,
			Timestamp: time.Now().UTC(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("could not record transaction: %w", err)
		}

		if holding.Shares == shares {
			if err := tx.Unscoped().Delete(&holding).Error; err != nil {
				return fmt.Errorf("could not remove holding: %w", err)
			}
		} else {
			if err := tx.Model(&holding).Update("shares", holding.Shares-shares).Error; err != nil {
				return fmt.Errorf("could not update holding: %w", err)
			}
		}

		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			return fmt.Errorf("could not load user %d: %w", userID, err)
		}
		if err := tx.Model(&user).Update("cash", user.Cash.Add(proceeds)).Error; err != nil {
			return fmt.Errorf("could not credit cash: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Executed sell",
		zap.Uint("user_id", userID),
		zap.String("symbol", symbol),
		zap.Int64("shares", shares),
		zap.String("price", quote.Price.String()),
	)
	return nil
}

// DepositCash credits a whole-dollar amount to the user's balance. Deposits
// are balance-only: no transaction record is written, because the transaction
// log models the share ledger and a deposit carries no share delta.
func (s *Service) DepositCash(ctx context.Context, userID uint, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			return fmt.Errorf("could not load user %d: %w", userID, err)
		}
		newBalance := user.Cash.Add(decimal.NewFromInt(amount))
		if err := tx.Model(&user).Update("cash", newBalance).Error; err != nil {
			return fmt.Errorf("could not credit cash: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Deposited cash", zap.Uint("user_id", userID), zap.Int64("amount", amount))
	return nil
}

// Position is one valued holding inside a portfolio.
type Position struct {
	Symbol string
	Name   string
	Shares int64
	Price  decimal.Decimal
	Value  decimal.Decimal
}

// Portfolio is the current state of an account: each held symbol valued at
// the live price, plus cash. Values stay unrounded; rounding to two decimal
// places is a display concern.
type Portfolio struct {
	Positions []Position
	Cash      decimal.Decimal
	Total     decimal.Decimal
}

// GetPortfolio values every holding at the current market price and returns
// the grand total including cash.
func (s *Service) GetPortfolio(ctx context.Context, userID uint) (*Portfolio, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, fmt.Errorf("could not load user %d: %w", userID, err)
	}

	var holdings []models.Holding
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND shares > 0", userID).
		Order("symbol asc").
		Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("could not load holdings: %w", err)
	}

	portfolio := &Portfolio{
		Positions: make([]Position, 0, len(holdings)),
		Cash:      user.Cash,
		Total:     user.Cash,
	}

	for _, h := range holdings {
		quote, err := s.quotes.Lookup(ctx, h.Symbol)
		if err != nil {
			return nil, fmt.Errorf("quote lookup failed for %s: %w", h.Symbol, err)
		}
		value := quote.Price.Mul(decimal.NewFromInt(h.Shares))
		portfolio.Positions = append(portfolio.Positions, Position{
			Symbol: h.Symbol,
			Name:   quote.Name,
			Shares: h.Shares,
			Price:  quote.Price,
			Value:  value,
		})
		portfolio.Total = portfolio.Total.Add(value)
	}

	return portfolio, nil
}

// GetHistory returns every transaction for the user, oldest first.
func (s *Service) GetHistory(ctx context.Context, userID uint) ([]models.Transaction, error) {
	var records []models.Transaction
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp asc, id asc").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("could not load transactions: %w", err)
	}
	return records, nil
}

// OwnedSymbols lists the symbols the user currently holds, for the sell form.
func (s *Service) OwnedSymbols(ctx context.Context, userID uint) ([]string, error) {
	var symbols []string
	if err := s.db.WithContext(ctx).
		Model(&models.Holding{}).
		Where("user_id = ? AND shares > 0", userID).
		Order("symbol asc").
		Pluck("symbol", &symbols).Error; err != nil {
		return nil, fmt.Errorf("could not load holdings: %w", err)
	}
	return symbols, nil
}
