package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"spotex.com/pkg/common"
	"spotex.com/pkg/xerr"
)

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ReqId(), Recover())
	r.GET("/rid", func(c *gin.Context) {
		c.String(http.StatusOK, common.RequestIDFrom(c.Request.Context()))
	})
	r.GET("/boom", func(c *gin.Context) { panic("handler bug") })
	return r
}

func TestReqId(t *testing.T) {
	r := newEngine()

	req := httptest.NewRequest(http.MethodGet, "/rid", nil)
	req.Header.Set(common.HeaderRequestID, "gw-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "gw-1", w.Body.String())
	assert.Equal(t, "gw-1", w.Header().Get(common.HeaderRequestID))

	// 不合法的请求号换成新的
	req = httptest.NewRequest(http.MethodGet, "/rid", nil)
	req.Header.Set(common.HeaderRequestID, "a b")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEqual(t, "a b", w.Body.String())
	assert.Equal(t, w.Body.String(), w.Header().Get(common.HeaderRequestID))
}

func TestRecover(t *testing.T) {
	r := newEngine()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(common.HeaderRequestID, "gw-2")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var resp common.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, xerr.ServerCommonError, resp.Code)
	assert.Equal(t, "gw-2", resp.RequestID)
}
