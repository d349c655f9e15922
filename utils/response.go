package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RespondSuccess writes the standard success envelope.
func RespondSuccess(c *gin.Context, data any, meta any) {
	body := gin.H{
		"code": http.StatusOK,
		"data": data,
	}
	if meta != nil {
		body["meta"] = meta
	}
	c.JSON(http.StatusOK, body)
}

// RespondError writes the standard error envelope and aborts the chain.
func RespondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":  status,
		"error": message,
	})
}
