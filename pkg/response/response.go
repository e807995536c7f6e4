package response

import (
	"net/http"

	appErrors "github.com/charlesng35/knockgate/pkg/errors"
	"github.com/gin-gonic/gin"
)

// Response defines the base API payload.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo holds error details to send to clients.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes a JSON success response.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
	})
}

// Error writes a JSON error response derived from an AppError.
func Error(c *gin.Context, err error) {
	appErr, status := resolve(err)

	c.JSON(status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    appErr.Code,
			Message: appErr.Message,
		},
	})
}

// Negotiated writes data as a JSON envelope when the client asks for JSON and as the
// plain text line otherwise. Knock clients are usually curl or a browser bookmark.
func Negotiated(c *gin.Context, statusCode int, text string, data interface{}) {
	if wantsJSON(c) {
		Success(c, statusCode, data)
		return
	}
	c.String(statusCode, text)
}

// NegotiatedError mirrors Negotiated for failures; the text form is the AppError message.
func NegotiatedError(c *gin.Context, err error) {
	if wantsJSON(c) {
		Error(c, err)
		return
	}
	appErr, status := resolve(err)
	c.String(status, appErr.Message)
}

func resolve(err error) (*appErrors.AppError, int) {
	if err == nil {
		err = appErrors.ErrInternalServer
	}

	appErr := appErrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return appErr, status
}

func wantsJSON(c *gin.Context) bool {
	if c.Query("format") == "json" {
		return true
	}
	return c.NegotiateFormat(gin.MIMEPlain, gin.MIMEJSON) == gin.MIMEJSON
}
