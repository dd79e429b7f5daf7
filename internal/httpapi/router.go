package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/parcelo/parcelobot/internal/httpapi/handlers"
	"github.com/parcelo/parcelobot/internal/httpapi/middleware"
	"github.com/parcelo/parcelobot/internal/idempotency"
)

func NewRouter(db *gorm.DB, guard *idempotency.Guard, runner handlers.TurnRunner, log *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "route not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"success": false, "message": "method not allowed"})
	})

	h := handlers.NewHandler(db, guard, runner, log)

	r.GET("/healthz", h.Healthz)
	r.POST("/api/luminous/webhook", h.Webhook)

	return r
}
