package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/internal/escrow"
	"github.com/Neocreb/eloity-trading/internal/marketdata"
	"github.com/Neocreb/eloity-trading/internal/risk"
	"github.com/Neocreb/eloity-trading/internal/trading"
)

type handlers struct {
	svc    *trading.Service
	escrow *escrow.Service
	gate   *risk.Gate
	quotes *marketdata.Service
}

func (h *handlers) placeOrder(c *gin.Context) {
	var req trading.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem(c, errors.Wrap(errors.ErrInvalidInput, "malformed body: %v", err))
		return
	}
	req.UserID = currentUser(c)
	order, trades, err := h.svc.PlaceOrder(c.Request.Context(), req)
	if err != nil && order == nil {
		problem(c, err)
		return
	}
	body := gin.H{"order": order, "trades": trades}
	if err != nil {
		// Fills before a settlement failure stand; the remainder was
		// cancelled. Surface both.
		p := errors.ToProblem(err, c.Request.URL.Path)
		body["problem"] = p
		c.JSON(p.Status, body)
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (h *handlers) listOrders(c *gin.Context) {
	limit, offset := pagination(c)
	orders, total, err := h.svc.ListOrders(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		problem(c, err)
		return
	}
	ok(c, gin.H{"orders": orders, "total": total})
}

func (h *handlers) getOrder(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	order, err := h.svc.GetOrder(c.Request.Context(), currentUser(c), id)
	if err != nil {
		problem(c, err)
		return
	}
	ok(c, order)
}

func (h *handlers) cancelOrder(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	order, err := h.svc.CancelOrder(c.Request.Context(), currentUser(c), id)
	if err != nil {
		problem(c, err)
		return
	}
	ok(c, order)
}

func (h *handlers) getOrderBook(c *gin.Context) {
	pair := c.Query("pair")
	depth, _ := strconv.Atoi(c.DefaultQuery("depth", "20"))
	book, err := h.svc.GetOrderBook(pair, depth)
	if err != nil {
		problem(c, err)
		return
	}
	ok(c, book)
}

func (h *handlers) getQuote(c *gin.Context) {
	q, err := h.quotes.Quote(c.Request.Context(), c.Query("pair"))
	if err != nil {
		problem(c, err)
		return
	}
	ok(c, q)
}

func (h *handlers) getTradeHistory(c *gin.Context) {
	limit, offset := pagination(c)
	trades, total, err := h.svc.GetTradeHistory(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		problem(c, err)
		return
	}
	ok(c, gin.H{"trades": trades, "total": total})
}

func (h *handlers) getWalletBalance(c *gin.Context) {
	bal, err := h.svc.GetWalletBalance(c.Request.Context(), currentUser(c), c.Param("asset"))
	if err != nil {
		problem(c, err)
		return
	}
	ok(c, bal)
}

func (h *handlers) getLedgerEntries(c *gin.Context) {
	limit, offset := pagination(c)
	entries, total, err := h.svc.GetLedgerEntries(c.Request.Context(), currentUser(c), c.Param("asset"), limit, offset)
	if err != nil {
		problem(c, err)
		return
	}
	ok(c, gin.H{"entries": entries, "total": total})
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *handlers) deposit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem(c, errors.Wrap(errors.ErrInvalidInput, "malformed body: %v", err))
		return
	}
	if err := h.svc.Deposit(c.Request.Context(), currentUser(c), c.Param("asset"), req.Amount); err != nil {
		problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) withdraw(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem(c, errors.Wrap(errors.ErrInvalidInput, "malformed body: %v", err))
		return
	}
	if err := h.svc.Withdraw(c.Request.Context(), currentUser(c), c.Param("asset"), req.Amount); err != nil {
		problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) getEscrow(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	esc, err := h.escrow.Get(c.Request.Context(), id)
	if err != nil {
		problem(c, err)
		return
	}
	user := currentUser(c)
	if user != esc.PayerID && user != esc.PayeeID && !c.GetBool(ctxIsAdmin) {
		problem(c, errors.Wrap(errors.ErrNotFound, "escrow %s", id))
		return
	}
	ok(c, esc)
}

func (h *handlers) confirmDelivery(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	if err := h.escrow.ConfirmDelivery(c.Request.Context(), id, currentUser(c)); err != nil {
		problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) confirmReceipt(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	if err := h.escrow.ConfirmReceipt(c.Request.Context(), id, currentUser(c)); err != nil {
		problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) raiseDispute(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem(c, errors.Wrap(errors.ErrInvalidInput, "malformed body: %v", err))
		return
	}
	if err := h.escrow.RaiseDispute(c.Request.Context(), id, currentUser(c), req.Reason); err != nil {
		problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
	Note    string `json:"note"`
}

func (h *handlers) resolveDispute(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem(c, errors.Wrap(errors.ErrInvalidInput, "malformed body: %v", err))
		return
	}
	if err := h.escrow.ResolveDispute(c.Request.Context(), id, req.Outcome, req.Note); err != nil {
		problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type verificationRequest struct {
	Level string `json:"level"`
}

func (h *handlers) applyVerification(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req verificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem(c, errors.Wrap(errors.ErrInvalidInput, "malformed body: %v", err))
		return
	}
	if err := h.gate.ApplyVerification(c.Request.Context(), id, req.Level); err != nil {
		problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func pagination(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}
