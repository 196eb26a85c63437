package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

const ctxPrincipal = "ledger_principal"

// ActorHeader carries the actor ID when header identification is enabled
// (development and trusted-proxy deployments).
const ActorHeader = "X-Actor-ID"

// Principal is the resolved (actor, role claims) pair for one request.
// Claimed roles are informative; the Registry is authoritative.
type Principal struct {
	ActorID string       `json:"actor_id"`
	Roles   []model.Role `json:"roles,omitempty"`
}

// HasRole reports whether the principal claims role r.
func (p *Principal) HasRole(r model.Role) bool {
	if p == nil {
		return false
	}
	for _, have := range p.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// ResolvePrincipal returns a Gin middleware that resolves the caller.
//
// A Bearer token is verified when verifier is non-nil; an invalid token
// aborts with 401. Otherwise, when allowHeader is set, the X-Actor-ID header
// is trusted. Requests with neither proceed anonymously.
func ResolvePrincipal(verifier *TokenVerifier, allowHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if verifier != nil && strings.HasPrefix(authHeader, "Bearer ") {
			p, err := verifier.Verify(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": gin.H{"code": "unauthenticated", "message": "invalid token: " + err.Error()},
				})
				return
			}
			c.Set(ctxPrincipal, p)
			c.Next()
			return
		}

		if allowHeader {
			if actor := strings.TrimSpace(c.GetHeader(ActorHeader)); actor != "" {
				c.Set(ctxPrincipal, &Principal{ActorID: actor})
			}
		}
		c.Next()
	}
}

// RequirePrincipal aborts with 401 when no principal was resolved.
func RequirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if PrincipalFromCtx(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthenticated", "message": "actor identity required"},
			})
			return
		}
		c.Next()
	}
}

// PrincipalFromCtx retrieves the principal injected by ResolvePrincipal.
// Returns nil for anonymous requests.
func PrincipalFromCtx(c *gin.Context) *Principal {
	v, _ := c.Get(ctxPrincipal)
	p, _ := v.(*Principal)
	return p
}
