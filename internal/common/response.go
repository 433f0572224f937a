package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Business codes. The first digits follow the HTTP class they are sent with.
const (
	CodeOK = 0

	CodeInvalidJSON    = 10001
	CodeValidation     = 10002
	CodeInvalidParam   = 10004
	CodeIdempoTooLong  = 10003
	CodeInternal       = 20001
	CodeUnauthorized   = 40101
	CodeInvalidToken   = 40102
	CodeDomainDenied   = 40301
	CodeWidgetInactive = 40302
	CodeChannelDenied  = 40303
	CodeNotFound       = 40400
	CodeWidgetNotFound = 40401
	CodeSessionMissing = 40404
	CodeJobNotFound    = 40402
	CodeMethodNotAllow = 40500
	CodeSessionEnded   = 40901
	CodeRateLimited    = 42901
	CodeServerError    = 50001
	CodeEnqueueFailed  = 50002
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    CodeOK,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// FailFields reports a validation failure with per-field detail.
func FailFields(c *gin.Context, msg string, fields map[string]string) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"code":    CodeValidation,
		"message": msg,
		"data":    gin.H{"fields": fields},
	})
}

// AbortFail is Fail for middleware: it also stops the handler chain.
func AbortFail(c *gin.Context, httpStatus int, code int, msg string) {
	Fail(c, httpStatus, code, msg)
	c.Abort()
}
