package policy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zafegard/zafegard/internal/amount"
	"github.com/zafegard/zafegard/internal/auth"
	"github.com/zafegard/zafegard/internal/identity"
	"github.com/zafegard/zafegard/internal/logging"
	"github.com/zafegard/zafegard/internal/pagination"
)

// MaxContexts bounds the batch size accepted over HTTP.
const MaxContexts = 64

// Handler provides HTTP endpoints for the policy.
type Handler struct {
	contract *Contract
}

// NewHandler creates a new policy handler.
func NewHandler(contract *Contract) *Handler {
	return &Handler{contract: contract}
}

// RegisterRoutes sets up the unauthenticated routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/init", h.Init)
	r.GET("/admin", h.GetAdmin)
	r.GET("/wallets", h.ListWallets)
	r.GET("/wallets/:signer", h.GetWallet)
	r.GET("/wallets/:signer/usage", h.GetUsage)
	r.POST("/policy/evaluate", h.Evaluate)
}

// RegisterProtectedRoutes sets up the admin routes. The group must run
// auth.Middleware and auth.RequireCaller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/admin/rotate", h.RotateAdmin)
	r.POST("/wallets", h.AddWallet)
	r.PATCH("/wallets/:signer", h.UpdateWallet)
	r.DELETE("/wallets/:signer", h.RemoveWallet)
}

// Init handles POST /v1/init
func (h *Handler) Init(c *gin.Context) {
	var req struct {
		Admin identity.Address `json:"admin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "admin must be a valid address"})
		return
	}

	if err := h.contract.Init(c.Request.Context(), req.Admin); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"admin": AdminRecord{Current: req.Admin}})
}

// GetAdmin handles GET /v1/admin
func (h *Handler) GetAdmin(c *gin.Context) {
	rec, err := h.contract.GetAdmin(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": rec})
}

// RotateAdmin handles POST /v1/admin/rotate
func (h *Handler) RotateAdmin(c *gin.Context) {
	var req struct {
		NewAdmin identity.Address `json:"newAdmin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "newAdmin must be a valid address"})
		return
	}

	rec, err := h.contract.RotateAdmin(c.Request.Context(), auth.Caller(c), req.NewAdmin)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": rec})
}

// AddWallet handles POST /v1/wallets
func (h *Handler) AddWallet(c *gin.Context) {
	var req struct {
		Signer         identity.WireKey `json:"signer" binding:"required"`
		ProtectedAsset identity.Address `json:"protectedAsset" binding:"required"`
		Interval       uint32           `json:"interval"`
		AmountCap      string           `json:"amountCap" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	limit, ok := amount.Parse(req.AmountCap)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amountCap must be an i128 integer string"})
		return
	}

	p, err := h.contract.AddWallet(c.Request.Context(), auth.Caller(c), req.Signer.SignerKey, req.ProtectedAsset, req.Interval, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": p})
}

// GetWallet handles GET /v1/wallets/:signer
func (h *Handler) GetWallet(c *gin.Context) {
	signer, ok := signerParam(c)
	if !ok {
		return
	}
	p, err := h.contract.GetWallet(c.Request.Context(), signer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": p})
}

// ListWallets handles GET /v1/wallets
func (h *Handler) ListWallets(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	asset := identity.Address(c.Query("asset"))
	if asset != "" {
		if _, err := identity.ParseAddress(string(asset)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "asset must be a valid address"})
			return
		}
	}
	limit := pagination.Limit(c.Query("limit"))

	ws, err := h.contract.ListWallets(c.Request.Context(), WalletFilter{Asset: asset, After: after, Limit: limit + 1})
	if err != nil {
		writeError(c, err)
		return
	}
	ws, next, more := pagination.ComputePage(ws, limit, func(p *WalletPolicy) string { return p.Signer.Key() })
	if ws == nil {
		ws = []*WalletPolicy{}
	}
	c.JSON(http.StatusOK, gin.H{"wallets": ws, "count": len(ws), "nextCursor": next, "hasMore": more})
}

// UpdateWallet handles PATCH /v1/wallets/:signer
func (h *Handler) UpdateWallet(c *gin.Context) {
	signer, ok := signerParam(c)
	if !ok {
		return
	}

	var req struct {
		Interval  *uint32 `json:"interval"`
		AmountCap *string `json:"amountCap"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	upd := WalletUpdate{Interval: req.Interval}
	if req.AmountCap != nil {
		limit, ok := amount.Parse(*req.AmountCap)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amountCap must be an i128 integer string"})
			return
		}
		upd.AmountCap = limit
	}

	p, err := h.contract.UpdateWallet(c.Request.Context(), auth.Caller(c), signer, upd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": p})
}

// RemoveWallet handles DELETE /v1/wallets/:signer
func (h *Handler) RemoveWallet(c *gin.Context) {
	signer, ok := signerParam(c)
	if !ok {
		return
	}
	if err := h.contract.RemoveWallet(c.Request.Context(), auth.Caller(c), signer); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "wallet removed", "signer": signer.Key()})
}

// GetUsage handles GET /v1/wallets/:signer/usage
func (h *Handler) GetUsage(c *gin.Context) {
	signer, ok := signerParam(c)
	if !ok {
		return
	}
	u, err := h.contract.GetUsage(c.Request.Context(), signer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": u})
}

// Evaluate handles POST /v1/policy/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req struct {
		Source   identity.Address    `json:"source" binding:"required"`
		Signer   identity.WireKey    `json:"signer" binding:"required"`
		Contexts []InvocationContext `json:"contexts"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if len(req.Contexts) > MaxContexts {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "too many contexts"})
		return
	}

	usage, err := h.contract.Evaluate(c.Request.Context(), req.Source, req.Signer.SignerKey, req.Contexts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorized": true, "usage": usage})
}

// signerParam parses the canonical signer key in the :signer path segment.
func signerParam(c *gin.Context) (identity.SignerKey, bool) {
	k, err := identity.ParseSignerKey(c.Param("signer"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signer", "message": err.Error()})
		return nil, false
	}
	return k, true
}

// StatusFor maps a policy error code to its HTTP status.
func StatusFor(e *Error) int {
	switch e.Code {
	case ErrAlreadyInitialized.Code, ErrNotInitialized.Code:
		return http.StatusConflict
	case ErrNotFound.Code:
		return http.StatusNotFound
	case ErrNotAllowed.Code:
		return http.StatusForbidden
	case ErrTooSoon.Code:
		return http.StatusTooManyRequests
	case ErrTooMuch.Code:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrInvalidAdmin) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	var pe *Error
	if errors.As(err, &pe) {
		c.JSON(StatusFor(pe), gin.H{"error": pe.Slug(), "code": pe.Code, "message": pe.Message})
		return
	}
	logging.L(c.Request.Context()).Error("policy request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
}
