package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"spotex.com/pkg/xerr"
)

func TestManager_TripsOnConsecutiveFailures(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 3, Timeout: time.Hour}, nil)
	boom := errors.New("nats down")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, m.Do("nats", func() error { return boom }), boom)
	}
	called := false
	err := m.Do("nats", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "熔断打开后不应再调用下游")

	// 其他名字互不影响
	assert.NoError(t, m.Do("kafka", func() error { return nil }))
}

func TestManager_BusinessErrorsDoNotTrip(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 2, Timeout: time.Hour}, nil)
	bad := xerr.New(xerr.RequestParamsError, "bad payload")
	for i := 0; i < 5; i++ {
		assert.Error(t, m.Do("influx", func() error { return bad }))
	}
	assert.NoError(t, m.Do("influx", func() error { return nil }))
}
