package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/link-verifier/internal/handlers"
	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
	"github.com/akylbek/payment-system/link-verifier/internal/telemetry"
)

func NewRouter(store interfaces.LinkStore, currencies models.CurrencyTable, publicBaseURL string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "link-verifier"})
	})

	linkHandler := handlers.NewPaymentLinkHandler(store, currencies, publicBaseURL)
	links := r.Group("/merchants/:merchant/links")
	links.POST("", linkHandler.CreateLink)
	links.GET("", linkHandler.ListLinks)
	links.GET("/:id", linkHandler.GetLink)
	links.POST("/:id/expire", linkHandler.ExpireLink)

	return r
}
