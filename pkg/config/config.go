package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type options struct {
	paths    []string
	defaults map[string]any
	onChange func()
	watch    bool
}

type Option func(*options)

// WithPaths 额外的配置搜索目录，排在 ./config 之前
func WithPaths(paths ...string) Option {
	return func(o *options) { o.paths = append(o.paths, paths...) }
}

// WithDefaults 配置文件里缺省的 key 用这里的值
func WithDefaults(kv map[string]any) Option {
	return func(o *options) { o.defaults = kv }
}

// WithOnChange 热更新成功后回调（out 已经是新值）
func WithOnChange(fn func()) Option {
	return func(o *options) { o.onChange = fn }
}

// WithoutWatch 只加载一次，测试用
func WithoutWatch() Option {
	return func(o *options) { o.watch = false }
}

func LoadAndWatch(service string, out interface{}, opts ...Option) (*viper.Viper, error) {
	o := &options{watch: true}
	for _, fn := range opts {
		fn(o)
	}

	v := viper.New()
	// 约定：config/{service}.yaml
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range o.paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".") // 兜底，直接放当前目录也行

	for k, val := range o.defaults {
		v.SetDefault(k, val)
	}

	// 环境变量覆盖，例如：
	//   EXCHANGE-SERVICE 前缀里的 '-' 会被换成 '_'
	//   EXCHANGE_SERVICE_HTTP_ADDR 覆盖 http_addr
	//   EXCHANGE_SERVICE_DB_DSN 覆盖 db.dsn
	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "_")))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	if !o.watch {
		return v, nil
	}

	// 监听文件变更，热更新到 out
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)

		if err := v.Unmarshal(out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		log.Printf("[%s] config reloaded OK", service)
		if o.onChange != nil {
			o.onChange()
		}
	})

	return v, nil
}
