package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"spotex.com/pkg/common"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/xerr"
)

// Recover handler panic 转 500；撮合在 actor 上跑，这里兜的是适配层自己的问题
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error(c.Request.Context(), "🚨 HTTP PANIC RECOVERED",
				zap.String("method", c.Request.Method),
				zap.String("route", c.FullPath()),
				zap.String("user_id", c.GetHeader(common.HeaderUserID)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			common.Fail(c, http.StatusInternalServerError, xerr.ServerCommonError, xerr.MapErrMsg(xerr.ServerCommonError))
			c.Abort()
		}()
		c.Next()
	}
}
