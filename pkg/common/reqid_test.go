package common

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcceptRequestID(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		keep     bool
	}{
		{"正常透传", "gw-7f3a-0001", true},
		{"空", "", false},
		{"超长", strings.Repeat("a", 65), false},
		{"带换行", "rid\nlevel=error", false},
		{"带空格", "rid 1", false},
		{"非 ASCII", "请求号", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AcceptRequestID(tt.upstream)
			assert.NotEmpty(t, got)
			if tt.keep {
				assert.Equal(t, tt.upstream, got)
			} else {
				assert.NotEqual(t, tt.upstream, got)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	assert.Empty(t, RequestIDFrom(context.Background()))
	ctx := WithRequestID(context.Background(), "rid-1")
	assert.Equal(t, "rid-1", RequestIDFrom(ctx))
}
