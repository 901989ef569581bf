package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
)

// NewRelicAttributes tags the request's New Relic transaction with the caller
// and the match being operated on. It must run after nrgin.Middleware and
// AuthMiddleware; without a transaction it does nothing.
func NewRelicAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		txn := nrgin.Transaction(c)
		if txn == nil {
			c.Next()
			return
		}

		if actor, ok := ActorFrom(c); ok {
			txn.AddAttribute("caller.id", actor.ID)
			txn.AddAttribute("caller.role", string(actor.Role))
		}
		if matchID := c.Param("id"); matchID != "" {
			txn.AddAttribute("route.id", matchID)
		}

		c.Next()

		for _, err := range c.Errors {
			txn.NoticeError(err.Err)
		}
	}
}
