package exchange

import (
	"time"

	"spotex.com/internal/events"
	"spotex.com/pkg/breaker"
	"spotex.com/pkg/orm"
	"spotex.com/pkg/trace"
	"spotex.com/pkg/xerr"
	"spotex.com/pkg/xetcd"
	"spotex.com/pkg/xredis"
)

type Cfg struct {
	Name     string        `yaml:"name" mapstructure:"name"`
	HTTPAddr string        `yaml:"http_addr" mapstructure:"http_addr"`
	GRPCAddr string        `yaml:"grpc_addr" mapstructure:"grpc_addr"`
	LogLevel string        `yaml:"log_level" mapstructure:"log_level"`
	LogFile  string        `yaml:"log_file" mapstructure:"log_file"`
	DB       orm.Config    `yaml:"db" mapstructure:"db"`
	Redis    xredis.Config `yaml:"redis" mapstructure:"redis"`
	OTel     trace.Config  `yaml:"otel" mapstructure:"otel"`
	Etcd     xetcd.Config  `yaml:"etcd" mapstructure:"etcd"`
	Lock     LockCfg       `yaml:"lock" mapstructure:"lock"`
	Exchange ExchangeCfg   `yaml:"exchange" mapstructure:"exchange"`
	Events   EventsCfg     `yaml:"events" mapstructure:"events"`
	// Pairs 启动时补齐缺失的交易对，已存在的不动
	Pairs       []PairSeed `yaml:"pairs" mapstructure:"pairs"`
	MetricsAddr string     `yaml:"metrics_addr" mapstructure:"metrics_addr"`
	PprofAddr   string     `yaml:"pprof_addr" mapstructure:"pprof_addr"`
}

// PairSeed 数值用字符串写，避免 yaml 浮点精度问题
type PairSeed struct {
	Symbol            string `yaml:"symbol" mapstructure:"symbol"`
	Base              string `yaml:"base" mapstructure:"base"`
	Quote             string `yaml:"quote" mapstructure:"quote"`
	MinOrderSize      string `yaml:"min_order_size" mapstructure:"min_order_size"`
	MaxOrderSize      string `yaml:"max_order_size" mapstructure:"max_order_size"`
	PricePrecision    int32  `yaml:"price_precision" mapstructure:"price_precision"`
	QuantityPrecision int32  `yaml:"quantity_precision" mapstructure:"quantity_precision"`
	MakerFeeRate      string `yaml:"maker_fee_rate" mapstructure:"maker_fee_rate"`
	TakerFeeRate      string `yaml:"taker_fee_rate" mapstructure:"taker_fee_rate"`
}

type LockCfg struct {
	// local / redis / etcd
	Driver        string        `yaml:"driver" mapstructure:"driver"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	RetryTimes    int           `yaml:"retry_times" mapstructure:"retry_times"`
	RetryInterval time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
}

type ExchangeCfg struct {
	MatchTimeout    time.Duration `yaml:"match_timeout" mapstructure:"match_timeout"`
	// MarketBuyBuffer 市价买冻结的价格缓冲；不写按 0.10，写 0 就是不留缓冲
	MarketBuyBuffer *float64      `yaml:"market_buy_buffer" mapstructure:"market_buy_buffer"`
	CandidateBatch  int           `yaml:"candidate_batch" mapstructure:"candidate_batch"`
	ExpireInterval  time.Duration `yaml:"expire_interval" mapstructure:"expire_interval"`
	ExpireBatch     int           `yaml:"expire_batch" mapstructure:"expire_batch"`
	MailboxSize     int           `yaml:"mailbox_size" mapstructure:"mailbox_size"`
	BatchMax        int           `yaml:"batch_max" mapstructure:"batch_max"`
	PairRefresh     time.Duration `yaml:"pair_refresh" mapstructure:"pair_refresh"`
	BalanceCacheTTL time.Duration `yaml:"balance_cache_ttl" mapstructure:"balance_cache_ttl"`
}

type EventsCfg struct {
	BusSize  int                     `yaml:"bus_size" mapstructure:"bus_size"`
	SpoolDir string                  `yaml:"spool_dir" mapstructure:"spool_dir"`
	Dispatch events.DispatcherConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Nats     NatsCfg                 `yaml:"nats" mapstructure:"nats"`
	Kafka    events.KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Influx   events.InfluxConfig     `yaml:"influx" mapstructure:"influx"`
	Breaker  breaker.Rule            `yaml:"breaker" mapstructure:"breaker"`
}

type NatsCfg struct {
	URL    string `yaml:"url" mapstructure:"url"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

const defaultMarketBuyBuffer = 0.10

// Validate 启动时检查，有问题直接起不来
func (c ExchangeCfg) Validate() error {
	if c.MarketBuyBuffer != nil && *c.MarketBuyBuffer < 0 {
		return xerr.Newf(xerr.RequestParamsError, "exchange.market_buy_buffer must not be negative, got %v", *c.MarketBuyBuffer)
	}
	return nil
}

// withDefaults 配置文件没写的项
func (c ExchangeCfg) withDefaults() ExchangeCfg {
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = 5 * time.Second
	}
	if c.MarketBuyBuffer == nil {
		buf := defaultMarketBuyBuffer
		c.MarketBuyBuffer = &buf
	}
	if c.CandidateBatch <= 0 {
		c.CandidateBatch = 50
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = 10 * time.Second
	}
	if c.ExpireBatch <= 0 {
		c.ExpireBatch = 200
	}
	return c
}
