package middlewares

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-sync/services"
	"chat-sync/utils"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "user_id"

// UserCookie is the cookie set by the storefront after login. Its value is
// the JSON-encoded user, of which only "id" is read here.
const UserCookie = "user"

// CurrentUserMiddleware resolves the caller's identity from the X-User-ID
// header or the user cookie. With allowQuery, the user_id query parameter
// is accepted as well (browsers cannot set headers on WebSocket upgrades).
// Issuing and verifying sessions is the storefront's job.
func CurrentUserMiddleware(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			if raw, err := c.Cookie(UserCookie); err == nil {
				userID = userIDFromCookie(raw)
			}
		}
		if userID == "" && allowQuery {
			userID = strings.TrimSpace(c.Query("user_id"))
		}
		if userID == "" {
			utils.RespondError(c, http.StatusUnauthorized, "User not found")
			return
		}
		if err := services.ValidateUserID(userID); err != nil {
			utils.RespondError(c, http.StatusUnauthorized, err.Error())
			return
		}
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

func userIDFromCookie(raw string) string {
	var u struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return ""
	}
	switch id := u.ID.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return ""
	}
}

// CurrentUserID returns the id stored by CurrentUserMiddleware.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
