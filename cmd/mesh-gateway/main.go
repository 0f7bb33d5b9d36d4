package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/api"
	"github.com/meshbridge/mesh-gateway/internal/authority"
	"github.com/meshbridge/mesh-gateway/internal/config"
	"github.com/meshbridge/mesh-gateway/internal/dispatch"
	"github.com/meshbridge/mesh-gateway/internal/gateway"
	"github.com/meshbridge/mesh-gateway/internal/integration"
	"github.com/meshbridge/mesh-gateway/internal/models"
	"github.com/meshbridge/mesh-gateway/internal/outbox"
	"github.com/meshbridge/mesh-gateway/internal/reconcile"
	"github.com/meshbridge/mesh-gateway/internal/registry"
	"github.com/meshbridge/mesh-gateway/internal/storage"
	"github.com/meshbridge/mesh-gateway/internal/timer"
	"github.com/meshbridge/mesh-gateway/internal/transport"
	"github.com/meshbridge/mesh-gateway/internal/workqueue"
)

func main() {
	// 命令行参数
	var configPath = flag.String("config", "config/mesh-gateway.yml", "配置文件路径")
	var validateOnly = flag.Bool("validate", false, "仅验证配置文件")
	var showConfig = flag.Bool("show-config", false, "显示配置并退出")
	flag.Parse()

	// 设置日志
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("加载配置失败")
	}
	setupLogging(cfg.Log)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("✅ 配置文件验证通过")
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("transport", cfg.Transport.Kind).
		Str("database", cfg.Database.Driver).
		Msg("Mesh Gateway 启动")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 处理系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("收到退出信号，正在关闭...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("网关异常退出")
	}
	log.Info().Msg("Mesh Gateway 已关闭")
}

// setupLogging 设置日志级别和格式
func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("无效的日志级别，使用info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// 连接数据库
	store, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("连接数据库失败: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}

	reg, err := registry.Open(ctx, store)
	if err != nil {
		return fmt.Errorf("加载设备注册表失败: %w", err)
	}
	log.Info().Int("devices", reg.Len()).Msg("设备注册表已加载")

	// 连接NATS
	var nc *nats.Conn
	if cfg.NeedsNATS() {
		nc, err = connectNATS(cfg.NATS)
		if err != nil {
			return fmt.Errorf("连接NATS失败: %w", err)
		}
		defer nc.Close()
	}

	mesh, err := openTransport(cfg.Transport, nc)
	if err != nil {
		return fmt.Errorf("创建网状网络传输失败: %w", err)
	}
	defer mesh.Close()

	if err := mesh.Start(ctx); err != nil {
		return fmt.Errorf("启动网状网络传输失败: %w", err)
	}
	if err := mesh.SetNodeID(models.MasterNodeID); err != nil {
		return fmt.Errorf("设置网关节点 ID 失败: %w", err)
	}

	client := authority.NewClient(authority.Config{
		BaseURL: cfg.Authority.BaseURL,
		APIKey:  cfg.Authority.APIKey,
		Timeout: cfg.Authority.Timeout,
	})

	if !cfg.Authority.SkipHostCheck {
		if _, err := gateway.WaitHostAssociated(ctx, client, cfg.Authority.HostCheckInterval, store); err != nil {
			return err
		}
	}

	// 远程调用工作池
	pool := workqueue.NewPool(workqueue.Config{
		Workers:   cfg.Remote.Workers,
		QueueSize: cfg.Remote.QueueSize,
		Timeout:   cfg.Remote.Timeout,
	})
	pool.Start(ctx)
	defer pool.Stop()

	// 发件箱
	var box *outbox.Outbox
	if cfg.Outbox.Enabled {
		box, err = outbox.Open(outbox.Config{
			Path:          cfg.Outbox.Path,
			RetryInterval: cfg.Outbox.RetryInterval,
			PostTimeout:   cfg.Remote.Timeout,
		}, client)
		if err != nil {
			return fmt.Errorf("打开发件箱失败: %w", err)
		}
		defer box.Close()
		box.Start(ctx)
	}

	// 集成输出
	forwarder, err := newForwarder(ctx, cfg, nc)
	if err != nil {
		return err
	}
	go func() {
		if err := forwarder.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("集成转发服务退出")
		}
	}()

	scheduler := timer.NewScheduler(time.Now)

	engine := reconcile.New(ctx, reconcile.Deps{
		Transport: mesh,
		Registry:  reg,
		Authority: client,
		Queue:     pool,
		Scheduler: scheduler,
		Events:    store,
	}, reconcile.Config{
		SyncInterval:      cfg.Reconcile.SyncInterval,
		DiscoveryInterval: cfg.Reconcile.DiscoveryInterval,
		LivenessInterval:  cfg.Reconcile.LivenessInterval,
		PurgeUnassociated: cfg.Reconcile.PurgeUnassociated,
	})

	deps := dispatch.Deps{
		Transport:  mesh,
		Registry:   reg,
		Authority:  client,
		Queue:      pool,
		Timers:     engine,
		Publisher:  forwarder,
		Events:     store,
		AssignHold: cfg.Gateway.AssignHold,
	}
	if box != nil {
		deps.Outbox = box
	}
	dispatcher := dispatch.New(deps)

	timers := engine.InitTimers()
	engine.Start()
	engine.RunInitial()
	log.Info().Int("timers", timers).Msg("数据请求定时器已初始化")

	loop := &gateway.Loop{
		Transport:    mesh,
		Dispatcher:   dispatcher,
		Queue:        pool,
		Scheduler:    scheduler,
		Timers:       engine,
		PollInterval: cfg.Gateway.PollInterval,
	}

	// 状态 API
	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		status := func() map[string]interface{} {
			forwarded, failed, dropped := forwarder.Stats()
			out := map[string]interface{}{
				"running":   loop.Running(),
				"loop":      loop.Stats(),
				"devices":   reg.Len(),
				"connected": len(mesh.ConnectedAddresses()),
				"integrations": map[string]interface{}{
					"sinks":     forwarder.Sinks(),
					"forwarded": forwarded,
					"failed":    failed,
					"dropped":   dropped,
				},
			}
			if box != nil {
				out["outbox"] = box.Stats()
			}
			return out
		}

		apiServer = api.NewRESTServer(cfg, store, engine, status)
		go func() {
			if err := apiServer.ListenAndServe(cfg.APIAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("状态 API 退出")
			}
		}()
	}

	sdnotify(daemon.SdNotifyReady)
	log.Info().Msg("网关主循环已启动")

	err = loop.Run(ctx)

	sdnotify(daemon.SdNotifyStopping)
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("关闭状态 API 失败")
		}
	}
	return err
}

func openStore(cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := storage.NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		db := store.DB()
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		return store, nil
	default:
		return storage.NewSQLiteStore(storage.SQLiteConfig{
			Path:        cfg.Path,
			BusyTimeout: time.Duration(cfg.BusyTimeout) * time.Millisecond,
			WALMode:     cfg.WALMode,
		})
	}
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS 连接断开")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS 已重连")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return nats.Connect(cfg.URL, opts...)
}

func openTransport(cfg config.TransportConfig, nc *nats.Conn) (transport.Transport, error) {
	switch cfg.Kind {
	case "nats":
		return transport.NewNATSTransport(nc, transport.NATSConfig{
			GatewayID:   cfg.GatewayID,
			SendTimeout: cfg.SendTimeout,
			InboxSize:   cfg.InboxSize,
		}), nil
	case "memory":
		log.Warn().Msg("使用内存传输，不会连接任何网状网络")
		return transport.NewMemory(), nil
	default:
		return transport.NewUDPTransport(transport.UDPConfig{
			BindAddr:    cfg.UDPBind,
			DaemonAddr:  cfg.DaemonAddr,
			SendTimeout: cfg.SendTimeout,
			InboxSize:   cfg.InboxSize,
		})
	}
}

func newForwarder(ctx context.Context, cfg *config.Config, nc *nats.Conn) (*integration.ForwarderService, error) {
	ic := cfg.Integrations
	gatewayID := cfg.Transport.GatewayID
	var sinks []integration.Sink

	if ic.NATS.Enabled {
		sink, err := integration.NewNATSSink(nc, integration.NATSConfig{
			SubjectPattern: ic.NATS.SubjectPattern,
			GatewayID:      gatewayID,
		})
		if err != nil {
			return nil, fmt.Errorf("创建 NATS 集成失败: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if ic.MQTT.Enabled {
		sink, err := integration.NewMQTTSink(integration.MQTTConfig{
			BrokerURL:          ic.MQTT.BrokerURL,
			ClientID:           ic.MQTT.ClientID,
			Username:           ic.MQTT.Username,
			Password:           ic.MQTT.Password,
			TopicPattern:       ic.MQTT.TopicPattern,
			QoS:                ic.MQTT.QoS,
			TLS:                ic.MQTT.TLS,
			InsecureSkipVerify: ic.MQTT.InsecureSkipVerify,
			GatewayID:          gatewayID,
		})
		if err != nil {
			return nil, fmt.Errorf("创建 MQTT 集成失败: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if ic.InfluxDB.Enabled {
		sink, err := integration.NewInfluxSink(ctx, integration.InfluxConfig{
			URL:           ic.InfluxDB.URL,
			Token:         ic.InfluxDB.Token,
			Org:           ic.InfluxDB.Org,
			Bucket:        ic.InfluxDB.Bucket,
			BatchSize:     ic.InfluxDB.BatchSize,
			FlushInterval: ic.InfluxDB.FlushInterval,
			GatewayID:     gatewayID,
		})
		if err != nil {
			return nil, fmt.Errorf("创建 InfluxDB 集成失败: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if len(sinks) > 0 {
		log.Info().Int("sinks", len(sinks)).Msg("集成输出已启用")
	}
	return integration.NewForwarderService(ic.BufferSize, ic.Timeout, sinks...), nil
}

func sdnotify(s string) {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Error().Err(err).Str("state", s).Msg("sd_notify 失败")
		return
	}
	if !ok {
		log.Debug().Str("state", s).Msg("sd_notify 不可用")
	}
}
