package interceptor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"spotex.com/pkg/xerr"
)

var info = &grpc.UnaryServerInfo{FullMethod: "/spotex.Test/Do"}

func TestErrorUnary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"参数错误", xerr.New(xerr.RequestParamsError, "bad"), codes.InvalidArgument},
		{"余额不足", xerr.New(xerr.InsufficientBalance, "poor"), codes.FailedPrecondition},
		{"撮合繁忙", xerr.New(xerr.EngineBusy, "busy"), codes.Unavailable},
		{"未知错误", errors.New("boom"), codes.Internal},
		{"已经是 status", status.Error(codes.Aborted, "x"), codes.Aborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ErrorUnary()(context.Background(), nil, info, func(context.Context, any) (any, error) {
				return nil, tt.err
			})
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestRecoverUnary(t *testing.T) {
	_, err := RecoverUnary()(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("oops")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestRequestIDServerUnary(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetaRequestID, "rid-1"))
	var got string
	_, _ = RequestIDServerUnary()(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
		got = RequestIDFromCtx(ctx)
		return nil, nil
	})
	assert.Equal(t, "rid-1", got)

	_, _ = RequestIDServerUnary()(context.Background(), nil, info, func(ctx context.Context, _ any) (any, error) {
		got = RequestIDFromCtx(ctx)
		return nil, nil
	})
	assert.NotEmpty(t, got)
}
