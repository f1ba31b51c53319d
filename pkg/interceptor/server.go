// Package interceptor gRPC 服务端拦截器：panic 兜底、request id、业务错误码转 gRPC status
package interceptor

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"spotex.com/pkg/common"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/xerr"
)

// MetaRequestID gRPC metadata 里的 key，必须小写
const MetaRequestID = "x-request-id"

func RecoverUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "grpc panic",
					zap.String("grpc_method", info.FullMethod),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// RequestIDServerUnary 优先用上游传来的 request id，没有就生成
func RequestIDServerUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		rid := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(MetaRequestID); len(vals) > 0 {
				rid = vals[0]
			}
		}
		rid = common.AcceptRequestID(rid)
		ctx = common.WithRequestID(ctx, rid)
		_ = grpc.SetHeader(ctx, metadata.Pairs(MetaRequestID, rid))
		return handler(ctx, req)
	}
}

func RequestIDFromCtx(ctx context.Context) string { return common.RequestIDFrom(ctx) }

func ErrorUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		if ce, ok := xerr.As(err); ok {
			logger.Warn(ctx, "grpc biz error",
				zap.String("grpc_method", info.FullMethod),
				zap.Int("biz_code", ce.Code),
				zap.Error(err),
			)
			return nil, status.Error(GRPCCode(ce.Code), ce.Msg)
		}
		logger.Error(ctx, "grpc unknown error",
			zap.String("grpc_method", info.FullMethod),
			zap.Error(err),
		)
		return nil, status.Error(codes.Internal, "internal error")
	}
}

// GRPCCode 业务码 -> gRPC code，和 common.HTTPStatus 一一对应
func GRPCCode(code int) codes.Code {
	switch code {
	case xerr.OK:
		return codes.OK
	case xerr.RequestParamsError:
		return codes.InvalidArgument
	case xerr.Forbidden:
		return codes.PermissionDenied
	case xerr.RecordNotFound:
		return codes.NotFound
	case xerr.InvalidState:
		return codes.FailedPrecondition
	case xerr.InsufficientBalance:
		return codes.FailedPrecondition
	case xerr.EngineBusy:
		return codes.Unavailable
	case xerr.Timeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
