package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS handles Cross-Origin Resource Sharing. Allowed origins are passed as
// a comma-separated list; empty falls back to http://localhost:3000 for
// development.
func CORS(origins string) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()

	if origins != "" {
		allowed := strings.Split(origins, ",")
		for i := range allowed {
			allowed[i] = strings.TrimSpace(allowed[i])
		}
		corsConfig.AllowOrigins = allowed
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}

	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin", "Content-Type", "Content-Length", "Accept-Encoding",
		"Authorization", "Idempotency-Key", "X-Request-ID", "Cache-Control",
		"X-Requested-With",
	}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 24 * time.Hour

	return cors.New(corsConfig)
}
