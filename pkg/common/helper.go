package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/xerr"
)

// Response http 统一返回；request_id 方便用户拿着单号来查日志
type Response struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	RequestID string `json:"request_id,omitempty"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:      http.StatusOK,
		Message:   http.StatusText(http.StatusOK),
		Data:      data,
		RequestID: RequestIDFrom(c.Request.Context()),
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	FailWithData(c, httpStatus, code, message, nil)
}

// FailWithData 失败但有东西要带回去，比如已经落库、撮合超时的订单
func FailWithData(c *gin.Context, httpStatus int, code int, message string, data any) {
	c.JSON(httpStatus, Response{
		Code:      code,
		Message:   message,
		Data:      data,
		RequestID: RequestIDFrom(c.Request.Context()),
	})
}

// FailFromErr 业务错误码 -> http 状态码；对外只回 code + msg，底层 cause 只进日志
func FailFromErr(c *gin.Context, err error) {
	FailFromErrWith(c, err, nil)
}

func FailFromErrWith(c *gin.Context, err error, data any) {
	code := xerr.CodeOf(err)
	msg := xerr.MapErrMsg(code)
	if ce, ok := xerr.As(err); ok && ce.Msg != "" {
		msg = ce.Msg
	}
	httpStatus := HTTPStatus(code)

	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.Error(err),
	}
	if httpStatus >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "http error", fields...)
		// 5xx 不透出内部信息
		if code == xerr.ServerCommonError || code == xerr.DbError {
			msg = xerr.MapErrMsg(code)
		}
	} else {
		logger.Warn(c.Request.Context(), "http error", fields...)
	}
	FailWithData(c, httpStatus, code, msg, data)
}

func HTTPStatus(code int) int {
	switch code {
	case xerr.RequestParamsError:
		return http.StatusBadRequest
	case xerr.Forbidden:
		return http.StatusForbidden
	case xerr.RecordNotFound:
		return http.StatusNotFound
	case xerr.InvalidState:
		return http.StatusConflict
	case xerr.InsufficientBalance:
		return http.StatusUnprocessableEntity
	case xerr.EngineBusy:
		return http.StatusServiceUnavailable
	case xerr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
