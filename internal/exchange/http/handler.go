package http

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"spotex.com/internal/exchange"
	"spotex.com/internal/order"
	"spotex.com/pkg/common"
	"spotex.com/pkg/xerr"
)

// HeaderUserID 鉴权在网关做，这里只认网关透传的用户 id
const HeaderUserID = common.HeaderUserID

type Handler struct {
	svc *exchange.Service
}

func NewHandler(svc *exchange.Service) *Handler {
	return &Handler{svc: svc}
}

type placeOrderBody struct {
	Symbol      string           `json:"symbol" binding:"required"`
	Type        string           `json:"type" binding:"required"`
	Side        string           `json:"side" binding:"required"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price"`
	TimeInForce string           `json:"time_in_force"`
	ExpireAt    *time.Time       `json:"expire_at"`
}

func (h *Handler) PlaceOrder(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var body placeOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.FailFromErr(c, xerr.Wrap(err, xerr.RequestParamsError, "invalid order body"))
		return
	}
	o, err := h.svc.PlaceOrder(c.Request.Context(), exchange.PlaceOrderReq{
		UserID:      uid,
		Symbol:      body.Symbol,
		Type:        order.Type(body.Type),
		Side:        order.Side(body.Side),
		Quantity:    body.Quantity,
		Price:       body.Price,
		TimeInForce: order.TimeInForce(body.TimeInForce),
		ExpireAt:    body.ExpireAt,
	})
	if err != nil && o != nil {
		// 已落库但撮合没走完：订单带回去，别让客户端重下
		common.FailFromErrWith(c, err, o)
		return
	}
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, o)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := h.svc.CancelOrder(c.Request.Context(), uid, id)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, o)
}

func (h *Handler) CancelAllOrders(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	res, err := h.svc.CancelAllOrders(c.Request.Context(), uid, c.Query("symbol"))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, res)
}

func (h *Handler) GetOrder(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := h.svc.GetOrder(c.Request.Context(), uid, id)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, o)
}

func (h *Handler) OrderTrades(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	out, err := h.svc.OrderTrades(c.Request.Context(), uid, id)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, out)
}

func (h *Handler) OpenOrders(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	out, err := h.svc.ListOpenOrders(c.Request.Context(), uid, c.Query("symbol"))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, out)
}

func (h *Handler) OrderHistory(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	out, err := h.svc.ListOrderHistory(c.Request.Context(), uid, queryInt(c, "page", 1), queryInt(c, "limit", 20))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, out)
}

func (h *Handler) Balances(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	out, err := h.svc.GetBalances(c.Request.Context(), uid, c.Query("asset"))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, out)
}

func (h *Handler) Pairs(c *gin.Context) {
	out, err := h.svc.ListPairs(c.Request.Context())
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, out)
}

func (h *Handler) OrderBook(c *gin.Context) {
	out, err := h.svc.GetOrderBook(c.Request.Context(), c.Param("symbol"), queryInt(c, "depth", 0))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, out)
}

func (h *Handler) RecentTrades(c *gin.Context) {
	out, err := h.svc.GetRecentTrades(c.Request.Context(), c.Param("symbol"), queryInt(c, "limit", 50))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, out)
}

func (h *Handler) Ticker(c *gin.Context) {
	out, err := h.svc.Get24hStats(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, out)
}

// Klines from / to 是毫秒时间戳，可以不传
func (h *Handler) Klines(c *gin.Context) {
	var from, to time.Time
	if v := c.Query("from"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			common.FailFromErr(c, xerr.New(xerr.RequestParamsError, "from must be a unix millisecond timestamp"))
			return
		}
		from = time.UnixMilli(ms).UTC()
	}
	if v := c.Query("to"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			common.FailFromErr(c, xerr.New(xerr.RequestParamsError, "to must be a unix millisecond timestamp"))
			return
		}
		to = time.UnixMilli(ms).UTC()
	}
	out, err := h.svc.GetOHLCVData(c.Request.Context(), c.Param("symbol"), c.DefaultQuery("interval", "1m"), from, to, queryInt(c, "limit", 0))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, out)
}

func userID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.GetHeader(HeaderUserID), 10, 64)
	if err != nil || id == 0 {
		common.FailFromErr(c, xerr.New(xerr.Forbidden, "missing or invalid "+HeaderUserID))
		return 0, false
	}
	return id, true
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.FailFromErr(c, xerr.New(xerr.RequestParamsError, "invalid order id"))
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
