package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"spotex.com/internal/exchange"
	"spotex.com/pkg/middleware"
)

type Options struct {
	ServiceName    string
	RequestTimeout time.Duration
	// 测试里关掉，prometheus 指标重复注册会 panic
	DisableMetrics bool
}

// NewEngine 组装 gin 路由
func NewEngine(svc *exchange.Service, opt Options) *gin.Engine {
	if opt.ServiceName == "" {
		opt.ServiceName = "exchange-service"
	}
	if opt.RequestTimeout <= 0 {
		opt.RequestTimeout = 10 * time.Second
	}
	r := gin.New()
	if !opt.DisableMetrics {
		p := ginprom.NewPrometheus("spotex")
		p.Use(r)
	}
	r.Use(
		otelgin.Middleware(opt.ServiceName),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		requestTimeout(opt.RequestTimeout),
	)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	h := NewHandler(svc)
	api := r.Group("/api")
	{
		orders := api.Group("/orders")
		orders.POST("", h.PlaceOrder)
		orders.DELETE("", h.CancelAllOrders)
		orders.GET("/open", h.OpenOrders)
		orders.GET("/history", h.OrderHistory)
		orders.GET("/:id", h.GetOrder)
		orders.GET("/:id/trades", h.OrderTrades)
		orders.DELETE("/:id", h.CancelOrder)

		api.GET("/orderbook/:symbol", h.OrderBook)
		api.GET("/trades/:symbol", h.RecentTrades)
		api.GET("/ticker/:symbol", h.Ticker)
		api.GET("/klines/:symbol", h.Klines)
		api.GET("/balances", h.Balances)
		api.GET("/pairs", h.Pairs)
	}
	return r
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// requestTimeout 每个请求的 ctx 都带超时，下游 DB / 撮合超时后返回 Timeout
func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
