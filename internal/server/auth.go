package server

import (
	"net/http"

	"github.com/danmuck/blocksync/internal/auth"
	"github.com/gin-gonic/gin"
)

// requireToken accepts a bearer token or, for EventSource clients that
// cannot set headers, a token query parameter.
func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if err := v.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
