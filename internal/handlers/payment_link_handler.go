package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
	"github.com/akylbek/payment-system/link-verifier/internal/telemetry"
)

type CreateLinkRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Description string `json:"description"`
}

type LinkResponse struct {
	models.PaymentLink
	URL string `json:"url"`
}

// PaymentLinkHandler is the creation and display boundary for payment links.
// Status is only ever changed here by expiry; payments are observed by the
// reconciler.
type PaymentLinkHandler struct {
	store         interfaces.LinkStore
	currencies    models.CurrencyTable
	publicBaseURL string
}

func NewPaymentLinkHandler(store interfaces.LinkStore, currencies models.CurrencyTable, publicBaseURL string) *PaymentLinkHandler {
	return &PaymentLinkHandler{
		store:         store,
		currencies:    currencies,
		publicBaseURL: publicBaseURL,
	}
}

func (h *PaymentLinkHandler) CreateLink(c *gin.Context) {
	merchant := models.NormalizeAddress(c.Param("merchant"))
	if !common.IsHexAddress(merchant) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "merchant must be a ledger address"})
		return
	}

	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Currency))
	cur, ok := h.currencies[symbol]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported currency"})
		return
	}
	if _, err := cur.ToRaw(req.Amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount", "details": err.Error()})
		return
	}
	amount, _ := decimal.NewFromString(req.Amount)

	link := models.PaymentLink{
		ID:              uuid.NewString(),
		MerchantAddress: merchant,
		Amount:          amount.String(),
		Currency:        symbol,
		Description:     req.Description,
	}
	if err := h.store.Create(c.Request.Context(), link); err != nil {
		telemetry.Logger.Error("Failed to create payment link",
			zap.String("merchant", merchant),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create payment link"})
		return
	}

	created, err := h.store.Get(c.Request.Context(), merchant, link.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch payment link"})
		return
	}

	telemetry.Logger.Info("Payment link created",
		zap.String("link_id", created.ID),
		zap.String("merchant", merchant),
		zap.String("amount", created.Amount),
		zap.String("currency", created.Currency),
	)
	c.JSON(http.StatusCreated, h.response(*created))
}

func (h *PaymentLinkHandler) ListLinks(c *gin.Context) {
	merchant := c.Param("merchant")

	links, err := h.store.ListPending(c.Request.Context(), merchant)
	if err != nil {
		telemetry.Logger.Error("Failed to list payment links", zap.String("merchant", merchant), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list payment links"})
		return
	}

	out := make([]LinkResponse, 0, len(links))
	for _, link := range links {
		out = append(out, h.response(link))
	}
	c.JSON(http.StatusOK, gin.H{"links": out})
}

func (h *PaymentLinkHandler) GetLink(c *gin.Context) {
	link, err := h.store.Get(c.Request.Context(), c.Param("merchant"), c.Param("id"))
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment link not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch payment link"})
		return
	}

	c.JSON(http.StatusOK, h.response(*link))
}

func (h *PaymentLinkHandler) ExpireLink(c *gin.Context) {
	merchant, id := c.Param("merchant"), c.Param("id")

	link, err := h.store.Update(c.Request.Context(), merchant, id, models.Transition{To: models.StatusExpired})
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment link not found"})
		return
	case errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "payment link can no longer be expired"})
		return
	case err != nil:
		telemetry.Logger.Error("Failed to expire payment link", zap.String("link_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to expire payment link"})
		return
	}

	telemetry.Logger.Info("Payment link expired", zap.String("link_id", id), zap.String("merchant", link.MerchantAddress))
	c.JSON(http.StatusOK, h.response(*link))
}

// response attaches the shareable URL a payer opens to settle the link.
func (h *PaymentLinkHandler) response(link models.PaymentLink) LinkResponse {
	q := url.Values{}
	q.Set("amount", link.Amount)
	q.Set("currency", link.Currency)
	q.Set("to", link.MerchantAddress)

	return LinkResponse{
		PaymentLink: link,
		URL:         h.publicBaseURL + "/pay/" + url.PathEscape(link.ID) + "?" + q.Encode(),
	}
}
