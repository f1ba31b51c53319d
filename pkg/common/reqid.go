package common

import (
	"context"

	"github.com/google/uuid"
	"spotex.com/pkg/logger"
)

const (
	HeaderRequestID = "X-Request-Id"
	// HeaderUserID 网关鉴权后透传的用户 id
	HeaderUserID    = "X-User-Id"
	CtxKeyRequestID = logger.RequestIdKey

	maxRequestIDLen = 64
)

func NewRequestID() string { return uuid.NewString() }

// AcceptRequestID 上游给的请求号只收短的可见 ASCII，否则换一个新的，防止日志注入
func AcceptRequestID(upstream string) string {
	if upstream == "" || len(upstream) > maxRequestIDLen {
		return NewRequestID()
	}
	for i := 0; i < len(upstream); i++ {
		if c := upstream[i]; c < 0x21 || c > 0x7e {
			return NewRequestID()
		}
	}
	return upstream
}

// WithRequestID 写进 ctx，logger 会自动带上 request_id
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, CtxKeyRequestID, rid)
}

func RequestIDFrom(ctx context.Context) string {
	if s, ok := ctx.Value(CtxKeyRequestID).(string); ok {
		return s
	}
	return ""
}
