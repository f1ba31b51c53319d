// Package bootstrap 服务进程的通用外壳：HTTP + gRPC 监听、metrics、pprof、etcd 注册、优雅退出
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	grpc_prom "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/register"
	"spotex.com/pkg/register/etcd"
)

// Options 业务依赖由调用方组装好再传进来，这里只管监听和生命周期
type Options struct {
	ServiceName string

	HTTPAddr    string
	HTTPHandler http.Handler

	// GRPCAddr 为空不起 gRPC；起了就默认带 health 服务
	GRPCAddr           string
	RegisterGRPC       func(*grpc.Server)
	UnaryInterceptors  []grpc.UnaryServerInterceptor
	StreamInterceptors []grpc.StreamServerInterceptor

	// Etcd 为 nil 跳过注册
	Etcd          *clientv3.Client
	ServicePrefix string
	Meta          map[string]string

	MetricsAddr string
	PprofAddr   string

	ShutdownTimeout time.Duration
	// OnShutdown 监听关掉之后按顺序执行
	OnShutdown []func(context.Context) error
}

// Serve 阻塞到 ctx 取消或某个监听出错
func Serve(ctx context.Context, opt Options) error {
	if opt.ServiceName == "" || (opt.HTTPAddr == "" && opt.GRPCAddr == "") {
		return errors.New("bootstrap: service name and at least one listen address are required")
	}
	if opt.ShutdownTimeout <= 0 {
		opt.ShutdownTimeout = 10 * time.Second
	}

	errCh := make(chan error, 2)

	var httpSrv *http.Server
	if opt.HTTPAddr != "" && opt.HTTPHandler != nil {
		httpSrv = &http.Server{
			Addr:              opt.HTTPAddr,
			Handler:           opt.HTTPHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info(ctx, "🚀 http listening", zap.String("addr", opt.HTTPAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http: %w", err)
			}
		}()
	}

	var grpcSrv *grpc.Server
	var healthSrv *health.Server
	if opt.GRPCAddr != "" {
		grpcSrv = newGRPCServer(opt)
		healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
		if opt.RegisterGRPC != nil {
			opt.RegisterGRPC(grpcSrv)
		}
		reflection.Register(grpcSrv)
		grpc_prom.Register(grpcSrv)
		healthSrv.SetServingStatus(opt.ServiceName, healthpb.HealthCheckResponse_SERVING)

		lis, err := net.Listen("tcp", opt.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info(ctx, "🚀 grpc listening", zap.String("addr", opt.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	if opt.PprofAddr != "" {
		startPprof(ctx, opt.PprofAddr)
	}
	if opt.MetricsAddr != "" {
		startMetrics(ctx, opt.MetricsAddr)
	}

	if opt.Etcd != nil {
		ins := instance(opt)
		reg := etcd.NewEtcdRegister(opt.Etcd, opt.ServicePrefix, 10)
		if err := reg.Register(ctx, ins); err != nil {
			return fmt.Errorf("register etcd: %w", err)
		}
		defer func() {
			c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := reg.UnRegister(c, ins); err != nil {
				logger.Warn(ctx, "etcd unregister failed", zap.Error(err))
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	case serveErr = <-errCh:
		logger.Error(ctx, "❌ server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opt.ShutdownTimeout)
	defer cancel()
	if healthSrv != nil {
		healthSrv.Shutdown()
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "http shutdown", zap.Error(err))
		}
	}
	if grpcSrv != nil {
		stopGRPC(shutdownCtx, grpcSrv)
	}
	for _, fn := range opt.OnShutdown {
		if err := fn(shutdownCtx); err != nil {
			logger.Warn(ctx, "shutdown hook failed", zap.Error(err))
		}
	}
	logger.Info(ctx, "service stopped")
	return serveErr
}

// instance 对外注册的地址优先用 gRPC
func instance(opt Options) *register.Instance {
	addr := opt.GRPCAddr
	proto := "grpc"
	if addr == "" {
		addr = opt.HTTPAddr
		proto = "http"
	}
	meta := map[string]string{"protocol": proto}
	if opt.HTTPAddr != "" {
		meta["http_addr"] = opt.HTTPAddr
	}
	for k, v := range opt.Meta {
		meta[k] = v
	}
	return &register.Instance{
		ID:       fmt.Sprintf("%s-%s", opt.ServiceName, addr),
		Name:     opt.ServiceName,
		Addr:     addr,
		MetaData: meta,
	}
}

// stopGRPC GracefulStop 超时就强停
func stopGRPC(ctx context.Context, gs *grpc.Server) {
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		gs.Stop()
	}
}

func newGRPCServer(opt Options) *grpc.Server {
	kaep := keepalive.EnforcementPolicy{
		MinTime:             10 * time.Second,
		PermitWithoutStream: true,
	}
	kasp := keepalive.ServerParameters{
		Time:    30 * time.Second,
		Timeout: 10 * time.Second,
	}

	grpc_prom.EnableHandlingTimeHistogram()
	unaryInts := append([]grpc.UnaryServerInterceptor{grpc_prom.UnaryServerInterceptor}, opt.UnaryInterceptors...)
	streamInts := append([]grpc.StreamServerInterceptor{grpc_prom.StreamServerInterceptor}, opt.StreamInterceptors...)

	return grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(kaep),
		grpc.KeepaliveParams(kasp),
		grpc.ChainUnaryInterceptor(unaryInts...),
		grpc.ChainStreamInterceptor(streamInts...),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
}

func startPprof(ctx context.Context, addr string) {
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	serveAux(ctx, "pprof", addr, mux)
}

func startMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	serveAux(ctx, "metrics", addr, mux)
}

// serveAux 辅助端口出错只打日志，不影响主服务
func serveAux(ctx context.Context, name, addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		logger.Info(ctx, name+" listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(ctx, name+" listen error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
}
