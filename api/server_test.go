package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Neocreb/eloity-trading/internal/config"
	"github.com/Neocreb/eloity-trading/internal/escrow"
	"github.com/Neocreb/eloity-trading/internal/fees"
	"github.com/Neocreb/eloity-trading/internal/ledger"
	"github.com/Neocreb/eloity-trading/internal/marketdata"
	"github.com/Neocreb/eloity-trading/internal/matching"
	"github.com/Neocreb/eloity-trading/internal/orderbook"
	"github.com/Neocreb/eloity-trading/internal/risk"
	"github.com/Neocreb/eloity-trading/internal/trading"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

const testSecret = "test-secret"

type testAPI struct {
	server *Server
	router http.Handler
	gate   *risk.Gate
	led    *ledger.Service
	esc    *escrow.Service
	db     *gorm.DB
}

func newTestAPI(t *testing.T) *testAPI {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Order{}, &models.Trade{}, &models.EscrowTransaction{},
		&models.WalletBalance{}, &models.LedgerEntry{}, &models.Hold{},
		&models.KYCProfile{},
	))
	logger := zap.NewNop()
	led := ledger.NewService(logger, db)
	gate := risk.NewGate(logger, db, risk.DefaultConfig())
	esc := escrow.NewService(logger, db, led, nil, gate, uuid.New(), escrow.DefaultConfig())
	books := orderbook.NewSet()
	schedule := fees.DefaultSchedule()
	engine := matching.NewEngine(logger, db, books, led, esc, schedule, gate)
	quotes := marketdata.NewService(logger, books, nil, time.Second)
	svc := trading.NewService(logger, db, led, gate, schedule, engine, quotes, nil)

	server := NewServer(logger, config.Server{
		Addr:      ":0",
		JWTSecret: testSecret,
	}, svc, esc, gate, quotes)
	return &testAPI{server: server, router: server.http.Handler, gate: gate, led: led, esc: esc, db: db}
}

func token(t *testing.T, user uuid.UUID, admin bool) string {
	claims := jwt.MapClaims{
		"sub": user.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if admin {
		claims["admin"] = true
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (a *testAPI) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) user(t *testing.T, asset, amount string) (uuid.UUID, string) {
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, a.gate.ApplyVerification(ctx, id, models.KYCLevelVerified))
	if amount != "" {
		amt, err := decimal.NewFromString(amount)
		require.NoError(t, err)
		require.NoError(t, a.led.Credit(ctx, id, asset, amt, "seed"))
	}
	return id, token(t, id, false)
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/trades", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/trades", "not-a-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var p map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Contains(t, p["type"], "unauthorized")
}

func TestHealthAndMetricsPublic(t *testing.T) {
	a := newTestAPI(t)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestPlaceAndReadOrder(t *testing.T) {
	a := newTestAPI(t)
	_, tok := a.user(t, "USDT", "1100")

	rec := a.do(t, http.MethodPost, "/api/v1/orders", tok, obj{
		"pair": "BTC/USDT", "side": "buy", "type": "limit",
		"price": "1000", "quantity": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.OrderStatusOpen, created.Order.Status)

	rec = a.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID.String(), tok, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The book shows the resting bid without auth.
	rec = a.do(t, http.MethodGet, "/api/v1/orderbook?pair=BTC/USDT", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var depth orderbook.Depth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &depth))
	require.Len(t, depth.Bids, 1)
}

func TestInsufficientFundsProblem(t *testing.T) {
	a := newTestAPI(t)
	_, tok := a.user(t, "USDT", "50")

	rec := a.do(t, http.MethodPost, "/api/v1/orders", tok, obj{
		"pair": "BTC/USDT", "side": "buy", "type": "limit",
		"price": "60", "quantity": "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var p map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Contains(t, p["type"], "insufficient-funds")
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	seller, sellerTok := a.user(t, "BTC", "1")
	buyer, buyerTok := a.user(t, "USDT", "200")

	rec := a.do(t, http.MethodPost, "/api/v1/orders", sellerTok, obj{
		"pair": "BTC/USDT", "side": "sell", "type": "limit",
		"price": "100", "quantity": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/api/v1/orders", buyerTok, obj{
		"pair": "BTC/USDT", "side": "buy", "type": "limit",
		"price": "100", "quantity": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var placed struct {
		Trades []models.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &placed))
	require.Len(t, placed.Trades, 1)

	esc, err := a.esc.GetByTrade(context.Background(), placed.Trades[0].ID)
	require.NoError(t, err)
	escPath := "/api/v1/escrows/" + esc.ID.String()

	// Only parties see the escrow.
	_, strangerTok := a.user(t, "", "")
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, escPath, strangerTok, nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, escPath, buyerTok, nil).Code)

	// Buyer cannot confirm delivery; seller can.
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, escPath+"/confirm-delivery", buyerTok, nil).Code)
	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodPost, escPath+"/confirm-delivery", sellerTok, nil).Code)
	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodPost, escPath+"/confirm-receipt", buyerTok, nil).Code)

	// A duplicate confirmation conflicts.
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, escPath+"/confirm-receipt", buyerTok, nil).Code)

	sellerBal, _ := a.led.Balance(context.Background(), seller, "USDT")
	assert.False(t, sellerBal.Available.IsZero())
	buyerBal, _ := a.led.Balance(context.Background(), buyer, "BTC")
	assert.True(t, buyerBal.Available.Equal(decimal.NewFromInt(1)))
}

func TestDisputeResolutionRequiresAdmin(t *testing.T) {
	a := newTestAPI(t)
	_, sellerTok := a.user(t, "BTC", "1")
	buyer, buyerTok := a.user(t, "USDT", "200")

	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/v1/orders", sellerTok, obj{
		"pair": "BTC/USDT", "side": "sell", "type": "limit", "price": "100", "quantity": "1",
	}).Code)
	rec := a.do(t, http.MethodPost, "/api/v1/orders", buyerTok, obj{
		"pair": "BTC/USDT", "side": "buy", "type": "limit", "price": "100", "quantity": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var placed struct {
		Trades []models.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &placed))
	esc, err := a.esc.GetByTrade(context.Background(), placed.Trades[0].ID)
	require.NoError(t, err)
	escPath := "/api/v1/escrows/" + esc.ID.String()

	require.Equal(t, http.StatusNoContent,
		a.do(t, http.MethodPost, escPath+"/dispute", buyerTok, obj{"reason": "no delivery"}).Code)

	resolve := obj{"outcome": "payer", "note": "seller unresponsive"}
	resolvePath := "/api/v1/admin/escrows/" + esc.ID.String() + "/resolve"
	assert.Equal(t, http.StatusForbidden,
		a.do(t, http.MethodPost, resolvePath, buyerTok, resolve).Code)

	adminTok := token(t, uuid.New(), true)
	assert.Equal(t, http.StatusNoContent,
		a.do(t, http.MethodPost, resolvePath, adminTok, resolve).Code)

	buyerBal, _ := a.led.Balance(context.Background(), buyer, "USDT")
	assert.True(t, buyerBal.Held.IsZero())
}

func TestDepositWithdraw(t *testing.T) {
	a := newTestAPI(t)
	_, tok := a.user(t, "", "")

	assert.Equal(t, http.StatusNoContent,
		a.do(t, http.MethodPost, "/api/v1/wallet/USDT/deposit", tok, obj{"amount": "100"}).Code)
	assert.Equal(t, http.StatusNoContent,
		a.do(t, http.MethodPost, "/api/v1/wallet/USDT/withdraw", tok, obj{"amount": "40"}).Code)
	assert.Equal(t, http.StatusUnprocessableEntity,
		a.do(t, http.MethodPost, "/api/v1/wallet/USDT/withdraw", tok, obj{"amount": "100"}).Code)

	rec := a.do(t, http.MethodGet, "/api/v1/wallet/USDT", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal models.WalletBalance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(60)))

	rec = a.do(t, http.MethodGet, "/api/v1/wallet/USDT/entries", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.EqualValues(t, 2, entries.Total)
}

func TestVerificationEndpoint(t *testing.T) {
	a := newTestAPI(t)
	user := uuid.New()
	adminTok := token(t, uuid.New(), true)

	path := fmt.Sprintf("/api/v1/admin/users/%s/verification", user)
	assert.Equal(t, http.StatusNoContent,
		a.do(t, http.MethodPost, path, adminTok, obj{"level": "basic"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		a.do(t, http.MethodPost, path, adminTok, obj{"level": "platinum"}).Code)

	profile, err := a.gate.Profile(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, models.KYCLevelBasic, profile.Level)
}

// obj is shorthand for JSON request bodies.
type obj = map[string]any
