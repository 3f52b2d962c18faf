package escrow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/teklifbul/escrowd/internal/validation"
)

const (
	// IdempotencyKeyHeader carries a caller-supplied idempotency key.
	IdempotencyKeyHeader = "Idempotency-Key"
	// BankSignatureHeader carries the hex HMAC-SHA256 of the webhook body.
	BankSignatureHeader = "X-Bank-Signature"

	maxIdempotencyKeyLen = 255
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	manager    *Manager
	bankSecret []byte
}

// NewHandler creates a new escrow handler. An empty bankSecret disables
// webhook signature checks and is refused by config outside development.
func NewHandler(manager *Manager, bankSecret string) *Handler {
	return &Handler{manager: manager, bankSecret: []byte(bankSecret)}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)

	byID := r.Group("/escrows/:id", validation.IDParamMiddleware())
	byID.GET("", h.GetEscrow)
	byID.GET("/verify", h.VerifyEscrow)
	byID.POST("/transitions", h.Transition)
	byID.POST("/upload-proof", h.action(ActionUploadProof, ActorBuyer, "url"))
	byID.POST("/ship-docs", h.action(ActionShipDocs, ActorSeller, ""))
	byID.POST("/approve-delivery", h.action(ActionApproveDelivery, ActorBuyer, ""))
	byID.POST("/dispute", h.action(ActionDispute, ActorBuyer, "reason"))

	r.POST("/webhooks/bank", h.BankWebhook)
}

// CreateRequest is the body of POST /v1/escrows.
type CreateRequest struct {
	DemandID *string `json:"demandId"`
	BidID    *string `json:"bidId"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	e, err := h.manager.Create(c.Request.Context(), req.DemandID, req.BidID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// VerifyEscrow handles GET /v1/escrows/:id/verify
func (h *Handler) VerifyEscrow(c *gin.Context) {
	v, err := h.manager.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// TransitionBody is the body of POST /v1/escrows/:id/transitions.
type TransitionBody struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
	Meta   Meta   `json:"meta"`
}

// Transition handles POST /v1/escrows/:id/transitions
func (h *Handler) Transition(c *gin.Context) {
	var body TransitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("action", body.Action),
		validation.Required("actor", body.Actor),
		validation.MaxEntries("meta", body.Meta, validation.MaxMetaEntries),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	action, err := ParseAction(body.Action)
	if err != nil {
		writeError(c, err)
		return
	}
	actor, err := ParseActor(body.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	h.transition(c, action, actor, body.Meta)
}

// actionBody is the optional body of the single-action convenience routes.
type actionBody struct {
	Actor  string `json:"actor"`
	Meta   Meta   `json:"meta"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// action returns a handler that applies a fixed action. field names the
// top-level body field that is copied into meta when present.
func (h *Handler) action(action Action, defaultActor Actor, field string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body actionBody
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Invalid request body",
				})
				return
			}
		}

		actor := defaultActor
		if body.Actor != "" {
			parsed, err := ParseActor(body.Actor)
			if err != nil {
				writeError(c, err)
				return
			}
			actor = parsed
		}

		meta := body.Meta
		var value string
		switch field {
		case "url":
			value = body.URL
		case "reason":
			value = body.Reason
		}
		if value = validation.SanitizeString(value, validation.MaxStringLength); value != "" {
			if meta == nil {
				meta = Meta{}
			}
			meta[field] = value
		}
		if len(meta) > validation.MaxMetaEntries {
			writeError(c, &ValidationError{Field: "meta", Message: "has too many entries"})
			return
		}
		h.transition(c, action, actor, meta)
	}
}

func (h *Handler) transition(c *gin.Context, action Action, actor Actor, meta Meta) {
	key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLen {
		writeError(c, &ValidationError{Field: IdempotencyKeyHeader, Message: "exceeds maximum length"})
		return
	}

	e, err := h.manager.Transition(c.Request.Context(), TransitionRequest{
		EscrowID:       c.Param("id"),
		Action:         action,
		Actor:          actor,
		Meta:           meta,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// BankEvent is the signed body of POST /v1/webhooks/bank.
type BankEvent struct {
	EscrowID  string `json:"escrowId"`
	Reference string `json:"reference"`
	Action    string `json:"action"`
	Meta      Meta   `json:"meta"`
}

// BankWebhook handles POST /v1/webhooks/bank. The bank delivers at least
// once, so each event is deduplicated on escrow id, action and reference.
func (h *Handler) BankWebhook(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unable to read request body",
		})
		return
	}
	if !h.validSignature(raw, c.GetHeader(BankSignatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Bank signature verification failed",
		})
		return
	}

	var ev BankEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if ev.Action == "" {
		ev.Action = string(ActionBankOK)
	}
	if errs := validation.Validate(
		validation.Required("escrowId", ev.EscrowID),
		validation.MaxLength("escrowId", ev.EscrowID, 128),
		validation.Required("reference", ev.Reference),
		validation.MaxLength("reference", ev.Reference, maxIdempotencyKeyLen),
		validation.OneOf("action", ev.Action, string(ActionBankOK), string(ActionDispute)),
		validation.MaxEntries("meta", ev.Meta, validation.MaxMetaEntries-1),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	meta := ev.Meta.Clone()
	if meta == nil {
		meta = Meta{}
	}
	meta["reference"] = ev.Reference

	action := Action(ev.Action)
	e, err := h.manager.Transition(c.Request.Context(), TransitionRequest{
		EscrowID:       ev.EscrowID,
		Action:         action,
		Actor:          ActorBank,
		Meta:           meta,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", ev.EscrowID, action, ev.Reference),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// SignBankPayload returns the hex HMAC-SHA256 of body under secret.
func SignBankPayload(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) validSignature(body []byte, signature string) bool {
	if len(h.bankSecret) == 0 {
		return true
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(SignBankPayload(h.bankSecret, body))
	return hmac.Equal(got, want)
}

// writeError maps manager errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	var (
		illegal  *IllegalTransitionError
		terminal *TerminalStateError
		invalid  *ValidationError
	)
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": invalid.Error(),
			"details": []validation.ValidationError{{Field: invalid.Field, Message: invalid.Message}},
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.As(err, &illegal):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "illegal_transition",
			"message":   illegal.Error(),
			"current":   illegal.Current,
			"attempted": illegal.Attempted,
			"allowed":   AllowedActions(illegal.Current),
		})
	case errors.As(err, &terminal):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "terminal_state",
			"message":   terminal.Error(),
			"current":   terminal.Current,
			"attempted": terminal.Attempted,
		})
	case errors.Is(err, ErrIdempotencyMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "idempotency_mismatch",
			"message": "Idempotency key was already used for a different escrow or action",
		})
	case errors.Is(err, ErrIdempotencyInFlight):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{
			"error":   "idempotency_in_flight",
			"message": "An identical request is still being processed",
		})
	case errors.Is(err, ErrConcurrencyExhausted):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "concurrency_exhausted",
			"message": "Escrow is under heavy concurrent modification, retry later",
		})
	case errors.Is(err, ErrStoreUnavailable):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Escrow storage is temporarily unavailable",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
