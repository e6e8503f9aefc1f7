// Package auth establishes request identity from Casdoor-issued JWTs. The
// service trusts the token claims for user ID and role; it performs no user
// management of its own.
package auth

import (
	"net/http"
	"strings"

	"github.com/casdoor/casdoor-go-sdk/casdoorsdk"
	"github.com/gin-gonic/gin"

	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/utils"
)

type Config struct {
	Endpoint         string
	ClientID         string
	ClientSecret     string
	Certificate      string
	OrganizationName string
	ApplicationName  string
}

type Authenticator struct {
	client *casdoorsdk.Client
	logger utils.Logger
}

func NewAuthenticator(cfg Config, logger utils.Logger) *Authenticator {
	client := casdoorsdk.NewClient(
		cfg.Endpoint,
		cfg.ClientID,
		cfg.ClientSecret,
		cfg.Certificate,
		cfg.OrganizationName,
		cfg.ApplicationName,
	)
	return &Authenticator{client: client, logger: logger}
}

// Middleware validates the bearer token and stores the caller's identity in
// the gin context under "user_id" and "user_role".
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "User not authenticated"})
			return
		}

		claims, err := a.client.ParseJwtToken(token)
		if err != nil {
			a.logger.Warn("token validation failed", "error", err, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid or expired token"})
			return
		}

		c.Set("user_id", claims.User.Id)
		c.Set("user_role", string(roleFromClaims(claims)))
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Browser EventSource cannot set headers; allow token as a query
	// parameter on stream endpoints.
	return c.Query("access_token")
}

func roleFromClaims(claims *casdoorsdk.Claims) models.UserRole {
	if claims.User.IsAdmin {
		return models.RoleAdmin
	}
	switch strings.ToLower(claims.User.Tag) {
	case "recruiter":
		return models.RoleRecruiter
	default:
		return models.RoleCandidate
	}
}

// Identity rebuilds the caller identity stored by the middleware.
func Identity(c *gin.Context) (models.Identity, bool) {
	userID, ok := c.Get("user_id")
	if !ok {
		return models.Identity{}, false
	}
	id, ok := userID.(string)
	if !ok || id == "" {
		return models.Identity{}, false
	}
	role := models.RoleCandidate
	if r, ok := c.Get("user_role"); ok {
		if rs, ok := r.(string); ok && rs != "" {
			role = models.UserRole(rs)
		}
	}
	return models.Identity{UserID: id, Role: role}, true
}
