package events

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
	"spotex.com/internal/trade"
	"spotex.com/pkg/logger"
)

type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`

	BatchSize     uint          `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	UseGzip       bool          `mapstructure:"use_gzip"`
}

func (cfg InfluxConfig) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.FlushInterval, cfg.UseGzip)
}

// InfluxSink 只关心成交，写 trade 点给行情图表用；其他事件直接忽略
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPI
}

func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)

	// 异步写的错误必须消费掉，不然会堵住
	go func() {
		for err := range w.Errors() {
			logger.Warn(context.Background(), "influx write error", zap.Error(err))
		}
	}()
	return &InfluxSink{client: c, write: w}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Deliver(_ context.Context, ev Envelope) error {
	if ev.EventType != TradeExecuted {
		return nil
	}
	var te TradeEvent
	if err := ev.Decode(&te); err != nil {
		return err
	}
	if te.Trade == nil {
		return fmt.Errorf("trade event %s without trade", ev.EventID)
	}
	s.write.WritePoint(TradePoint(te.Trade))
	return nil
}

func (s *InfluxSink) Close() error {
	// Close 会 flush
	s.client.Close()
	return nil
}

// TradePoint measurement=trade，tag 只放低基数的 symbol / taker_side
func TradePoint(t *trade.Trade) *write.Point {
	price, _ := t.Price.Float64()
	qty, _ := t.Quantity.Float64()
	notional, _ := t.Notional().Float64()
	return write.NewPoint("trade",
		map[string]string{
			"symbol":     t.Symbol,
			"taker_side": t.TakerSide,
		},
		map[string]interface{}{
			"price":    price,
			"qty":      qty,
			"notional": notional,
			"trade_id": t.TradeID,
		},
		t.CreatedAt,
	)
}
