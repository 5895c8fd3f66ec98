package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"stock-trading-sim-go/internal/auth"
	"stock-trading-sim-go/internal/ledger"
	"stock-trading-sim-go/internal/models"
	"stock-trading-sim-go/internal/quotes"
)

// index shows the portfolio: each held symbol valued at the live price,
// plus cash and the grand total.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	id, _ := userID(r)

	portfolio, err := s.ledger.GetPortfolio(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to load portfolio", zap.Uint("user_id", id), zap.Error(err))
		s.apology(w, http.StatusInternalServerError, "could not load your portfolio")
		return
	}

	s.render(w, http.StatusOK, "index.html", portfolio)
}

func (s *Server) registerForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "register.html", nil)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	confirmation := r.PostFormValue("confirmation")

	if username == "" {
		s.apology(w, http.StatusBadRequest, "username required")
		return
	}
	if password == "" || confirmation == "" {
		s.apology(w, http.StatusBadRequest, "password and confirmation required")
		return
	}
	if password != confirmation {
		s.apology(w, http.StatusBadRequest, "confirmation does not match the password")
		return
	}

	var existing models.User
	err := s.db.WithContext(r.Context()).Where("username = ?", username).First(&existing).Error
	if err == nil {
		s.apology(w, http.StatusBadRequest, "username already exists")
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error("Failed to check username", zap.Error(err))
		s.apology(w, http.StatusInternalServerError, "could not register")
		return
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		s.logger.Error("Failed to hash password", zap.Error(err))
		s.apology(w, http.StatusInternalServerError, "could not register")
		return
	}

	user := models.User{Username: username, PasswordHash: hash, Cash: s.startingCash}
	if err := s.db.WithContext(r.Context()).Create(&user).Error; err != nil {
		s.logger.Error("Failed to create user", zap.Error(err))
		s.apology(w, http.StatusInternalServerError, "could not register")
		return
	}

	s.logger.Info("Registered new user", zap.Uint("user_id", user.ID), zap.String("username", username))
	s.startSession(w, r, user.ID)
}

func (s *Server) loginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "login.html", nil)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")

	if username == "" {
		s.apology(w, http.StatusForbidden, "must provide username")
		return
	}
	if password == "" {
		s.apology(w, http.StatusForbidden, "must provide password")
		return
	}

	var user models.User
	err := s.db.WithContext(r.Context()).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !auth.CheckPassword(user.PasswordHash, password)) {
		s.apology(w, http.StatusForbidden, "invalid username and/or password")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load user", zap.Error(err))
		s.apology(w, http.StatusInternalServerError, "could not log in")
		return
	}

	s.startSession(w, r, user.ID)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, id uint) {
	token, err := s.sessions.Issue(id)
	if err != nil {
		s.logger.Error("Failed to issue session token", zap.Error(err))
		s.apology(w, http.StatusInternalServerError, "could not start session")
		return
	}
	s.setSessionCookie(w, token)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	clearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) quoteForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "quote.html", nil)
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.PostFormValue("symbol"))
	if symbol == "" {
		s.apology(w, http.StatusBadRequest, "symbol field cannot be left empty")
		return
	}

	quote, err := s.quotes.Lookup(r.Context(), symbol)
	if errors.Is(err, quotes.ErrNotFound) {
		s.apology(w, http.StatusBadRequest, "nothing found for "+symbol)
		return
	}
	if err != nil {
		s.logger.Error("Quote lookup failed", zap.String("symbol", symbol), zap.Error(err))
		s.apology(w, http.StatusInternalServerError, "could not fetch quote")
		return
	}

	s.render(w, http.StatusOK, "quoted.html", quote)
}

func (s *Server) buyForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "buy.html", nil)
}

func (s *Server) buy(w http.ResponseWriter, r *http.Request) {
	id, _ := userID(r)

	shares, err := strconv.ParseInt(strings.TrimSpace(r.PostFormValue("shares")), 10, 64)
	if err != nil {
		s.apology(w, http.StatusBadRequest, ledger.ErrInvalidQuantity.Error())
		return
	}

	if err := s.ledger.ExecuteBuy(r.Context(), id, r.PostFormValue("symbol"), shares); err != nil {
		s.ledgerError(w, err)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) sellForm(w http.ResponseWriter, r *http.Request) {
	id, _ := userID(r)

	symbols, err := s.ledger.OwnedSymbols(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to load owned symbols", zap.Uint("user_id", id), zap.Error(err))
		s.apology(w, http.StatusInternalServerError, "could not load your holdings")
		return
	}

	s.render(w, http.StatusOK, "sell.html", map[string]interface{}{"Symbols": symbols})
}

func (s *Server) sell(w http.ResponseWriter, r *http.Request) {
	id, _ := userID(r)

	shares, err := strconv.ParseInt(strings.TrimSpace(r.PostFormValue("shares")), 10, 64)
	if err != nil {
		s.apology(w, http.StatusBadRequest, ledger.ErrInvalidQuantity.Error())
		return
	}

	if err := s.ledger.ExecuteSell(r.Context(), id, r.PostFormValue("symbol"), shares); err != nil {
		s.ledgerError(w, err)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) cashForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "cash.html", nil)
}

func (s *Server) cash(w http.ResponseWriter, r *http.Request) {
	id, _ := userID(r)

	// Deposits are whole dollars only.
	amount, err := strconv.ParseInt(strings.TrimSpace(r.PostFormValue("cash")), 10, 64)
	if err != nil {
		s.apology(w, http.StatusBadRequest, ledger.ErrInvalidAmount.Error())
		return
	}

	if err := s.ledger.DepositCash(r.Context(), id, amount); err != nil {
		s.ledgerError(w, err)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, _ := userID(r)

	records, err := s.ledger.GetHistory(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to load history", zap.Uint("user_id", id), zap.Error(err))
		s.apology(w, http.StatusInternalServerError, "could not load your history")
		return
	}

	s.render(w, http.StatusOK, "history.html", map[string]interface{}{"Transactions": records})
}

// ledgerError maps ledger failures onto the apology page: validation errors
// carry their specific reason with a 400-class status, anything else is an
// infrastructure failure and stays generic.
func (s *Server) ledgerError(w http.ResponseWriter, err error) {
	if ledger.IsValidationError(err) {
		s.apology(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("Ledger operation failed", zap.Error(err))
	s.apology(w, http.StatusInternalServerError, "something went wrong")
}
