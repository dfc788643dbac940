// internal/interfaces/http/handlers/response.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/your-org/checkout-engine/internal/interfaces/http/middleware"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
)

// respondError renders coded errors with their status and hides everything else
// behind a 500. The cause is attached to the gin context for the request logger.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	appErr, ok := apperrors.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
		})
		return
	}

	body := gin.H{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	c.JSON(apperrors.HTTPStatus(err), body)
}

func badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": message}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

func requireUser(c *gin.Context) (uint, bool) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "User not authenticated",
		})
		return 0, false
	}
	return userID, true
}
