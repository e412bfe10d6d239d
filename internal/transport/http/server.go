package http

import (
	"github.com/gin-gonic/gin"

	"askdocs/internal/auth"
	"askdocs/internal/bootstrap"
	"askdocs/internal/transport/http/handler"
	"askdocs/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App, verifier auth.Verifier) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	askHandler := handler.NewAskHandler(app.Answerer)
	eventsHandler := handler.NewEventsHandler(app.Fanout)
	ingestHandler := handler.NewIngestHandler(app.Files, app.JobPublisher)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(verifier))
	v1.POST("/ask", askHandler.Ask)
	v1.GET("/events", eventsHandler.Subscribe)
	v1.POST("/ingest", ingestHandler.Notify)

	return router
}
