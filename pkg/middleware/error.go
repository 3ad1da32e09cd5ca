package middleware

import (
	"errors"
	"net/http"

	"openledger/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Render writes the last collected error as the response body, mapping the
// core status to an HTTP status. No-op when nothing failed or the handler
// already wrote a response.
func Render(c *gin.Context) {
	last := c.Errors.Last()
	if last == nil || c.Writer.Written() {
		return
	}

	var base errutil.BaseError
	if errors.As(last.Err, &base) {
		c.JSON(base.Code.HTTPStatus(), base.JSON())
		return
	}

	c.JSON(http.StatusInternalServerError, errutil.BaseError{
		Code:    errutil.StatusInternal,
		Message: "internal error",
	}.JSON())
}

// Error renders collected errors once the handler chain finishes. Routes
// wrapped by the idempotency guard render earlier, inside the guard, so the
// captured response includes the error body.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		Render(c)
	}
}
