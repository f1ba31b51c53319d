package xerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, OK},
		{"plain", base, ServerCommonError},
		{"code", New(InsufficientBalance, "x"), InsufficientBalance},
		{"wrapped", Wrap(base, SettlementFailure, "settle"), SettlementFailure},
		{"fmt包一层", fmt.Errorf("outer: %w", NewErrCode(RecordNotFound)), RecordNotFound},
		{"deadline", context.DeadlineExceeded, Timeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	base := errors.New("duplicate")
	err := Wrap(base, DbError, "insert trade")
	assert.ErrorIs(t, err, base)
	ce, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "insert trade", ce.Msg)
	assert.Nil(t, Wrap(nil, DbError, "x"))
}

func TestFromContext(t *testing.T) {
	assert.NoError(t, FromContext(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	err := FromContext(ctx)
	assert.True(t, Is(err, Timeout))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(New(RequestParamsError, "bad")))
}
