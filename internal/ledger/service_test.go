package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"stock-trading-sim-go/internal/models"
	"stock-trading-sim-go/internal/quotes"
)

// MockQuoteClient is a mock implementation of quotes.ClientInterface.
type MockQuoteClient struct {
	mock.Mock
}

func (m *MockQuoteClient) Lookup(ctx context.Context, symbol string) (*quotes.Quote, error) {
	args := m.Called(ctx, symbol)
	if q := args.Get(0); q != nil {
		return q.(*quotes.Quote), args.Error(1)
	}
	return nil, args.Error(1)
}

// setupTest creates a full test environment with a mock client and in-memory DB.
func setupTest(t *testing.T) (*Service, *gorm.DB, *MockQuoteClient) {
	// Use a new, non-shared in-memory database for each test to ensure isolation.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)

	// A second pool connection to :memory: would see its own empty database.
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&models.User{}, &models.Holding{}, &models.Transaction{})
	assert.NoError(t, err)

	mockClient := new(MockQuoteClient)
	service := NewService(db, mockClient, zap.NewNop())

	return service, db, mockClient
}

func createUser(t *testing.T, db *gorm.DB, cash int64) models.User {
	user := models.User{
		Username:     "alice",
		PasswordHash: "irrelevant",
		Cash:         decimal.NewFromInt(cash),
	}
	assert.NoError(t, db.Create(&user).Error)
	return user
}

func quoteFor(symbol string, price int64) *quotes.Quote {
	return &quotes.Quote{Symbol: symbol, Name: symbol + " Corp", Price: decimal.NewFromInt(price)}
}

func reloadUser(t *testing.T, db *gorm.DB, id uint) models.User {
	var user models.User
	assert.NoError(t, db.First(&user, id).Error)
	return user
}

func TestExecuteBuy_WorkedExample(t *testing.T) {
	// Balance 10000, AAA at 100: buy 10 -> 9000 cash, holding {AAA: 10},
	// one transaction (+10 @ 100). Then sell 4 at 110 -> 9440 cash,
	// holding {AAA: 6}, transaction (-4 @ 110).
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 10000)

	mockClient.On("Lookup", mock.Anything, "AAA").Return(quoteFor("AAA", 100), nil).Once()

	err := service.ExecuteBuy(context.Background(), user.ID, "AAA", 10)
	assert.NoError(t, err)

	assert.True(t, reloadUser(t, db, user.ID).Cash.Equal(decimal.NewFromInt(9000)))

	var holding models.Holding
	assert.NoError(t, db.Where("user_id = ? AND symbol = ?", user.ID, "AAA").First(&holding).Error)
	assert.Equal(t, int64(10), holding.Shares)

	var records []models.Transaction
	assert.NoError(t, db.Where("user_id = ?", user.ID).Find(&records).Error)
	assert.Len(t, records, 1)
	assert.Equal(t, int64(10), records[0].Shares)
	assert.True(t, records[0].Price.Equal(decimal.NewFromInt(100)))

	// Price moved to 110 before the sell.
	mockClient.On("Lookup", mock.Anything, "AAA").Return(quoteFor("AAA", 110), nil).Once()

	err = service.ExecuteSell(context.Background(), user.ID, "AAA", 4)
	assert.NoError(t, err)

	assert.True(t, reloadUser(t, db, user.ID).Cash.Equal(decimal.NewFromInt(9440)))

	assert.NoError(t, db.Where("user_id = ? AND symbol = ?", user.ID, "AAA").First(&holding).Error)
	assert.Equal(t, int64(6), holding.Shares)

	assert.NoError(t, db.Where("user_id = ?", user.ID).Order("id asc").Find(&records).Error)
	assert.Len(t, records, 2)
	assert.Equal(t, int64(-4), records[1].Shares)
	assert.True(t, records[1].Price.Equal(decimal.NewFromInt(110)))

	mockClient.AssertExpectations(t)
}

func TestExecuteBuy_InvalidQuantity(t *testing.T) {
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 10000)

	assert.ErrorIs(t, service.ExecuteBuy(context.Background(), user.ID, "AAA", 0), ErrInvalidQuantity)
	assert.ErrorIs(t, service.ExecuteBuy(context.Background(), user.ID, "AAA", -3), ErrInvalidQuantity)

	// No lookup, no writes.
	mockClient.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
	var count int64
	db.Model(&models.Transaction{}).Count(&count)
	assert.Zero(t, count)
}

func TestExecuteBuy_UnknownSymbol(t *testing.T) {
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 10000)

	mockClient.On("Lookup", mock.Anything, "NOPE").Return(nil, quotes.ErrNotFound).Once()

	assert.ErrorIs(t, service.ExecuteBuy(context.Background(), user.ID, "NOPE", 5), ErrUnknownSymbol)
	assert.ErrorIs(t, service.ExecuteBuy(context.Background(), user.ID, "  ", 5), ErrUnknownSymbol)

	assert.True(t, reloadUser(t, db, user.ID).Cash.Equal(decimal.NewFromInt(10000)))
	mockClient.AssertExpectations(t)
}

func TestExecuteBuy_InsufficientFunds(t *testing.T) {
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 500)

	mockClient.On("Lookup", mock.Anything, "AAA").Return(quoteFor("AAA", 100), nil).Once()

	err := service.ExecuteBuy(context.Background(), user.ID, "AAA", 6)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Zero mutations on failure.
	assert.True(t, reloadUser(t, db, user.ID).Cash.Equal(decimal.NewFromInt(500)))
	var count int64
	db.Model(&models.Transaction{}).Count(&count)
	assert.Zero(t, count)
	db.Model(&models.Holding{}).Count(&count)
	assert.Zero(t, count)
}

func TestExecuteBuy_CostExactlyEqualToBalance(t *testing.T) {
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 1000)

	mockClient.On("Lookup", mock.Anything, "AAA").Return(quoteFor("AAA", 100), nil).Once()

	err := service.ExecuteBuy(context.Background(), user.ID, "AAA", 10)
	assert.NoError(t, err)
	assert.True(t, reloadUser(t, db, user.ID).Cash.IsZero())
}

func TestExecuteBuy_ReplayDoublesEffect(t *testing.T) {
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 10000)

	mockClient.On("Lookup", mock.Anything, "AAA").Return(quoteFor("AAA", 100), nil).Twice()

	assert.NoError(t, service.ExecuteBuy(context.Background(), user.ID, "AAA", 10))
	assert.NoError(t, service.ExecuteBuy(context.Background(), user.ID, "AAA", 10))

	assert.True(t, reloadUser(t, db, user.ID).Cash.Equal(decimal.NewFromInt(8000)))

	var holding models.Holding
	assert.NoError(t, db.Where("user_id = ? AND symbol = ?", user.ID, "AAA").First(&holding).Error)
	assert.Equal(t, int64(20), holding.Shares)

	var count int64
	db.Model(&models.Transaction{}).Where("user_id = ?", user.ID).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestExecuteSell_Validation(t *testing.T) {
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 10000)

	assert.ErrorIs(t, service.ExecuteSell(context.Background(), user.ID, "", 5), ErrInvalidSymbol)
	assert.ErrorIs(t, service.ExecuteSell(context.Background(), user.ID, "AAA", 0), ErrInvalidQuantity)

	mockClient.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestExecuteSell_InsufficientShares(t *testing.T) {
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 10000)

	mockClient.On("Lookup", mock.Anything, "AAA").Return(quoteFor("AAA", 100), nil)

	assert.NoError(t, service.ExecuteBuy(context.Background(), user.ID, "AAA", 3))

	err := service.ExecuteSell(context.Background(), user.ID, "AAA", 4)
	assert.ErrorIs(t, err, ErrInsufficientShares)

	// Selling a symbol never owned fails the same way.
	mockClient.On("Lookup", mock.Anything, "BBB").Return(quoteFor("BBB", 50), nil).Once()
	err = service.ExecuteSell(context.Background(), user.ID, "BBB", 1)
	assert.ErrorIs(t, err, ErrInsufficientShares)

	assert.True(t, reloadUser(t, db, user.ID).Cash.Equal(decimal.NewFromInt(9700)))
}

func TestExecuteSell_FullPosition(t *testing.T) {
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 10000)

	mockClient.On("Lookup", mock.Anything, "AAA").Return(quoteFor("AAA", 100), nil)

	assert.NoError(t, service.ExecuteBuy(context.Background(), user.ID, "AAA", 10))
	assert.NoError(t, service.ExecuteSell(context.Background(), user.ID, "AAA", 10))

	// Selling the exact held count leaves the symbol un-owned.
	symbols, err := service.OwnedSymbols(context.Background(), user.ID)
	assert.NoError(t, err)
	assert.Empty(t, symbols)

	var count int64
	db.Model(&models.Holding{}).Where("user_id = ?", user.ID).Count(&count)
	assert.Zero(t, count)

	assert.True(t, reloadUser(t, db, user.ID).Cash.Equal(decimal.NewFromInt(10000)))
}

func TestDepositCash(t *testing.T) {
	service, db, _ := setupTest(t)
	user := createUser(t, db, 100)

	assert.NoError(t, service.DepositCash(context.Background(), user.ID, 900))
	assert.True(t, reloadUser(t, db, user.ID).Cash.Equal(decimal.NewFromInt(1000)))

	// Deposits are balance-only: no transaction record is written.
	var count int64
	db.Model(&models.Transaction{}).Where("user_id = ?", user.ID).Count(&count)
	assert.Zero(t, count)

	assert.ErrorIs(t, service.DepositCash(context.Background(), user.ID, 0), ErrInvalidAmount)
	assert.ErrorIs(t, service.DepositCash(context.Background(), user.ID, -5), ErrInvalidAmount)
}

func TestGetHistory_OrderedOldestFirst(t *testing.T) {
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 10000)

	mockClient.On("Lookup", mock.Anything, "AAA").Return(quoteFor("AAA", 100), nil)
	mockClient.On("Lookup", mock.Anything, "BBB").Return(quoteFor("BBB", 10), nil)

	assert.NoError(t, service.ExecuteBuy(context.Background(), user.ID, "AAA", 1))
	assert.NoError(t, service.ExecuteBuy(context.Background(), user.ID, "BBB", 2))
	assert.NoError(t, service.ExecuteSell(context.Background(), user.ID, "AAA", 1))

	records, err := service.GetHistory(context.Background(), user.ID)
	assert.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, "AAA", records[0].Symbol)
	assert.Equal(t, int64(1), records[0].Shares)
	assert.Equal(t, "BBB", records[1].Symbol)
	assert.Equal(t, int64(-1), records[2].Shares)
	assert.False(t, records[0].Timestamp.After(records[1].Timestamp))
	assert.False(t, records[1].Timestamp.After(records[2].Timestamp))
}

func TestGetPortfolio(t *testing.T) {
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 10000)

	mockClient.On("Lookup", mock.Anything, "AAA").Return(quoteFor("AAA", 100), nil)
	mockClient.On("Lookup", mock.Anything, "BBB").Return(quoteFor("BBB", 10), nil)

	assert.NoError(t, service.ExecuteBuy(context.Background(), user.ID, "AAA", 10))
	assert.NoError(t, service.ExecuteBuy(context.Background(), user.ID, "BBB", 5))

	portfolio, err := service.GetPortfolio(context.Background(), user.ID)
	assert.NoError(t, err)
	assert.Len(t, portfolio.Positions, 2)

	// Holdings come back sorted by symbol.
	assert.Equal(t, "AAA", portfolio.Positions[0].Symbol)
	assert.True(t, portfolio.Positions[0].Value.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "BBB", portfolio.Positions[1].Symbol)
	assert.True(t, portfolio.Positions[1].Value.Equal(decimal.NewFromInt(50)))

	assert.True(t, portfolio.Cash.Equal(decimal.NewFromInt(8950)))
	assert.True(t, portfolio.Total.Equal(decimal.NewFromInt(10000)))
}

func TestConcurrentBuys_ExactlyOneSucceeds(t *testing.T) {
	// Two simultaneous buys whose combined cost exceeds the balance: the
	// per-user serialization must let exactly one through.
	service, db, mockClient := setupTest(t)
	user := createUser(t, db, 1000)

	// Each buy costs 600; the account can afford one, not both.
	mockClient.On("Lookup", mock.Anything, "AAA").Return(quoteFor("AAA", 100), nil)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- service.ExecuteBuy(context.Background(), user.ID, "AAA", 6)
		}()
	}
	wg.Wait()
	close(results)

	var successes, insufficient int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, insufficient)

	assert.True(t, reloadUser(t, db, user.ID).Cash.Equal(decimal.NewFromInt(400)))

	var holding models.Holding
	assert.NoError(t, db.Where("user_id = ? AND symbol = ?", user.ID, "AAA").First(&holding).Error)
	assert.Equal(t, int64(6), holding.Shares)

	var count int64
	db.Model(&models.Transaction{}).Where("user_id = ?", user.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}
