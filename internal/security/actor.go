package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/workwise/escrowd/internal/audit"
	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/validation"
)

// Headers set by the upstream gateway after it authenticates the caller.
const (
	HeaderActorType   = "X-Actor-Type"
	HeaderActorID     = "X-Actor-ID"
	HeaderDeviceID    = "X-Device-ID"
	HeaderAdminSecret = "X-Admin-Secret"
)

const maxHeaderIDLength = 128

// ActorMiddleware attaches the caller identity to the request context so
// audit entries and domain events carry who acted and from which device.
// Requests without identity headers act as the system. An admin actor must
// also present the admin secret.
func ActorMiddleware(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorType := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorType)))
		actorID := validation.SanitizeString(c.GetHeader(HeaderActorID), maxHeaderIDLength)
		deviceID := validation.SanitizeString(c.GetHeader(HeaderDeviceID), maxHeaderIDLength)

		switch actorType {
		case "":
			actorType = audit.ActorSystem
		case audit.ActorClient, audit.ActorFreelancer:
			if actorID == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": HeaderActorID + " is required for " + actorType + " callers",
				})
				return
			}
		case audit.ActorAdmin:
			if !secretMatches(adminSecret, c.GetHeader(HeaderAdminSecret)) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "admin credentials required",
				})
				return
			}
		case audit.ActorSystem:
		default:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_actor",
				"message": "unknown actor type",
			})
			return
		}

		ctx := audit.WithActor(c.Request.Context(), actorType, actorID)
		if deviceID != "" {
			ctx = events.WithDevice(ctx, deviceID)
		}
		ctx = logging.WithLogger(ctx, logging.L(ctx).With("actor_type", actorType, "actor_id", actorID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAdmin guards operator routes: the caller must present the admin
// secret. With no secret configured every request is rejected.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !secretMatches(adminSecret, c.GetHeader(HeaderAdminSecret)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin credentials required",
			})
			return
		}
		if t, _ := audit.ActorFrom(c.Request.Context()); t != audit.ActorAdmin {
			c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), audit.ActorAdmin,
				validation.SanitizeString(c.GetHeader(HeaderActorID), maxHeaderIDLength)))
		}
		c.Next()
	}
}

func secretMatches(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
