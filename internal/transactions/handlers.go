package transactions

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fraudwatch/internal/idgen"
)

// Handler provides the HTTP surface over the transaction store: ingest plus
// read-only queries. Suppressed broadcasts (risk below the publication
// threshold) stay visible through the polling endpoints.
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a transactions handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterRoutes sets up transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
}

// CreateTransactionRequest is the ingest payload. The id and creation time
// are optional; missing values are assigned server-side.
type CreateTransactionRequest struct {
	TransactionID         string  `json:"transaction_id"`
	MovementType          string  `json:"movement_type" binding:"required"`
	TxType                string  `json:"tx_type" binding:"required"`
	ClientAccountID       string  `json:"client_account_id" binding:"required"`
	CounterpartyAccountID string  `json:"counterparty_account_id" binding:"required"`
	Amount                float64 `json:"amount" binding:"required,gt=0"`
	CreatedAt             string  `json:"created_at"`
}

// CreateTransaction handles POST /transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if req.TransactionID == "" {
		req.TransactionID = idgen.WithPrefix("tx_")
	}
	if req.CreatedAt == "" {
		req.CreatedAt = h.now().UTC().Format(TimeLayout)
	} else if _, err := time.Parse(TimeLayout, req.CreatedAt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_created_at",
			"message": "created_at must use format " + TimeLayout,
		})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.store.Get(ctx, req.TransactionID); err == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_transaction",
			"message": "Transaction already exists",
		})
		return
	}

	tx := &Transaction{
		ID:                    req.TransactionID,
		MovementType:          req.MovementType,
		TxType:                req.TxType,
		ClientAccountID:       req.ClientAccountID,
		CounterpartyAccountID: req.CounterpartyAccountID,
		Amount:                req.Amount,
		CreatedAt:             req.CreatedAt,
		Status:                StatusStarted,
	}
	if err := h.store.Insert(ctx, tx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to store transaction",
		})
		return
	}

	c.JSON(http.StatusCreated, tx)
}

// GetTransaction handles GET /transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transaction",
		})
		return
	}

	c.JSON(http.StatusOK, tx)
}

// ListTransactions handles GET /transactions?limit=N
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 500",
			})
			return
		}
		limit = n
	}

	txs, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}
