package middleware

import (
	"github.com/gin-gonic/gin"
	"spotex.com/pkg/common"
)

// ReqId 请求号进 request context 和响应头；下游的撮合日志、事件都靠它串起来
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := common.AcceptRequestID(c.GetHeader(common.HeaderRequestID))
		c.Header(common.HeaderRequestID, rid)
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), rid))
		c.Next()
	}
}
