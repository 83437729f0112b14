// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/nacos"
	"stockhold/internal/pkg/tracing"
)

type AppCtx struct {
	Mux    *http.ServeMux
	Nacos  *nacos.Client // 未配置 Nacos 时为 nil
	Config *Config
}

// Worker 是随服务一起运行的后台任务，ctx 取消时应当返回。
type Worker func(ctx context.Context) error

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 允许每个服务注册自己独特的 HTTP 路由
	Workers          []Worker
	Closers          []func() error // 关停时按注册的逆序执行
}

// StartService 封装了通用的启动和优雅关停逻辑，阻塞直到收到退出信号或某个任务失败。
func StartService(info AppInfo) error {
	cfg := GetCurrentConfig()
	log := logger.Ctx(context.Background())

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint,
		tracing.WithSampleRatio(cfg.Infra.Jaeger.SampleRatio))
	if err != nil {
		return err
	}

	// 2. HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: nacosClient, Config: cfg})
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("service", info.ServiceName).Int("port", info.Port).Msg("🚀 HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	for _, w := range info.Workers {
		g.Go(func() error { return w(gctx) })
	}

	// 3. 服务注册
	var ip string
	if nacosClient != nil {
		if ip, err = getOutboundIP(); err != nil {
			log.Error().Err(err).Msg("Failed to resolve outbound IP, skipping Nacos registration")
		} else if err := nacosClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("Failed to register with Nacos")
			ip = ""
		}
	}

	// 4. 优雅关停：任何一个任务退出或收到信号都会走到这里
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("service", info.ServiceName).Msg("Shutting down service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if nacosClient != nil {
			if ip != "" {
				if err := nacosClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
					log.Error().Err(err).Msg("Error deregistering from Nacos")
				}
			}
			nacosClient.Close()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down http server")
		}
		for i := len(info.Closers) - 1; i >= 0; i-- {
			if err := info.Closers[i](); err != nil {
				log.Error().Err(err).Msg("Error closing resource")
			}
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down tracer provider")
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("service", info.ServiceName).Msg("Service stopped with error")
		return err
	}
	log.Info().Str("service", info.ServiceName).Msg("Service gracefully shut down.")
	return nil
}

// getOutboundIP 返回访问外网时使用的本机地址，UDP Dial 不会真正发包。
func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
