package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vaultflow/internal/api"
	"vaultflow/internal/chain"
	"vaultflow/internal/config"
	vaulterrors "vaultflow/internal/errors"
	"vaultflow/internal/events"
	"vaultflow/internal/executor"
	"vaultflow/internal/logging"
	"vaultflow/internal/metrics"
	"vaultflow/internal/pricefeed"
	"vaultflow/internal/registry"
	"vaultflow/internal/relay"
	"vaultflow/internal/shutdown"
	"vaultflow/internal/statuschannel"
	"vaultflow/internal/tracker"
	"vaultflow/internal/txbuilder"
	"vaultflow/internal/validation"
	"vaultflow/internal/vault"
	"vaultflow/internal/wallet"
)

var (
	configFile string
	verbose    bool

	// serve 参数
	addr            string
	shutdownTimeout time.Duration
	maxLogs         int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vaultflow",
		Short: "zkUSD 金库客户端",
		Long:  `zkUSD 金库客户端核心：风险计算、交易构建与签名、中继提交以及交易生命周期跟踪`,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动金库服务（HTTP API + 价格轮询 + 状态通道）",
		RunE:  serve,
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "监听地址，覆盖配置中的 api.host/api.port")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "优雅停机超时")
	serveCmd.Flags().IntVar(&maxLogs, "max-logs", 1000, "内存中保留的日志条数")

	rootCmd.AddCommand(serveCmd, newRiskCmd(), newVaultsCmd(), newPriceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// setup 加载配置并创建日志器
func setup() (*config.Config, *logrus.Logger, error) {
	bootstrap := logrus.New()
	bootstrap.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig(configFile, bootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("配置校验失败: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	return cfg, logger, nil
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	gs := shutdown.NewGracefulShutdown(shutdownTimeout, logger)
	ctx := gs.Context()

	// 链与价格
	chainClient := chain.NewClient(*cfg.Chain, logger)
	feed := pricefeed.New(*cfg.PriceFeed, logger)
	lifecycleMetrics := metrics.Lifecycle()
	feed.OnUpdate(lifecycleMetrics.RecordPrice)

	// 金库注册表
	store, err := registry.OpenStore(cfg.Registry.Path, logger)
	if err != nil {
		return fmt.Errorf("打开金库注册表失败: %w", err)
	}
	keygen := registry.NewHTTPKeyGenerator(cfg.Wallet.KeygenURL, cfg.Wallet.Timeout)
	reg := registry.New(store, chainClient, chainClient, keygen, logger)

	// 钱包与交易构建
	provider := wallet.NewBridgeProvider(cfg.Wallet.BridgeURL, cfg.Wallet.Timeout, logger)
	session := wallet.NewSession(provider, logger)
	sdk := txbuilder.NewRemoteSDK(cfg.Wallet.SDKURL, cfg.Wallet.Timeout, logger)
	builder := txbuilder.New(sdk, txbuilder.FixedFee(cfg.Executor.Fee), logger)

	relayClient := relay.NewClient(*cfg.Relay, logger)

	subscriber, closeSubscriber, err := newSubscriber(cfg.StatusChannel, logger)
	if err != nil {
		store.Close()
		return err
	}

	// 生命周期跟踪与观察者
	lifecycle := tracker.New(logger)
	resetter := tracker.NewAutoResetter(lifecycle, cfg.Executor.DisplayDelay)
	lifecycle.Subscribe(lifecycleMetrics.Observe)

	sink, err := events.NewSink(*cfg.Events, logger)
	if err != nil {
		closeSubscriber()
		store.Close()
		return fmt.Errorf("创建事件输出失败: %w", err)
	}
	publisher := events.NewPublisher(sink, logger)
	lifecycle.Subscribe(publisher.Observe)

	vaults := vault.NewStore(chainClient, feed, logger)
	errorHandler := vaulterrors.NewErrorHandler(logger)

	plans, err := cfg.Executor.ParsedPhasePlans()
	if err != nil {
		closeSubscriber()
		sink.Close()
		store.Close()
		return fmt.Errorf("解析阶段计划失败: %w", err)
	}

	exec := executor.New(executor.Config{
		PhasePlans:     plans,
		RefreshTimeout: cfg.Executor.RefreshTimeout,
	}, executor.Deps{
		Tracker:   lifecycle,
		Builder:   builder,
		Wallet:    provider,
		Accounts:  session,
		Relay:     relayClient,
		Status:    subscriber,
		Prices:    feed,
		Heights:   chainClient,
		Vaults:    vaults,
		Registry:  reg,
		States:    chainClient,
		Balances:  chainClient,
		Validator: validation.NewValidator(logger),
		Errors:    errorHandler,
		Metrics:   lifecycleMetrics,
		Logger:    logger,
	})
	session.SetBusyFunc(exec.Busy)
	vaults.SetBusyFunc(exec.Busy)
	// 切换账户后清空当前金库
	session.OnAccountChange(func(string) { vaults.Clear() })

	var configManager *api.ConfigManager
	if dsn := os.Getenv(config.EnvDatabaseDSN); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			logger.WithError(err).Warn("连接配置数据库失败，配置接口不可用")
		} else {
			configManager = api.NewConfigManager(dbConfig, logger)
			gs.Register("config-db", func(context.Context) error { return dbConfig.Close() }, shutdown.OrderCloseRegistry)
		}
	}

	listen := addr
	if listen == "" {
		listen = cfg.API.Addr()
	}
	server := api.NewServer(api.Options{
		Addr:             listen,
		ProofServiceURL:  cfg.API.ProofServiceURL,
		WorkerServiceURL: cfg.API.WorkerServiceURL,
		ProxyTimeout:     cfg.Relay.Timeout,
		MaxLogs:          maxLogs,
	}, api.Deps{
		Lifecycle: lifecycle,
		Account:   session,
		Registry:  reg,
		Vaults:    vaults,
		Actions:   exec,
		Prices:    feed,
		Errors:    errorHandler,
		Config:    configManager,
	}, logger)

	// 停机顺序
	gs.Register("api", server.Stop, shutdown.OrderStopAPI)
	gs.Register("lifecycle", func(ctx context.Context) error {
		return awaitIdle(ctx, exec.Busy)
	}, shutdown.OrderAwaitLifecycle)
	gs.Register("auto-reset", func(context.Context) error {
		resetter.Stop()
		return nil
	}, shutdown.OrderAwaitLifecycle)
	gs.Register("status-channel", func(context.Context) error { return closeSubscriber() }, shutdown.OrderCloseSubscribers)
	gs.Register("events", func(context.Context) error {
		published, failed := publisher.Stats()
		logger.WithFields(logrus.Fields{"published": published, "failed": failed}).Info("生命周期事件统计")
		return sink.Close()
	}, shutdown.OrderFlushEvents)
	gs.Register("registry", func(context.Context) error { return store.Close() }, shutdown.OrderCloseRegistry)
	gs.ListenSignals()

	feedCtx, stopFeed := context.WithCancel(ctx)
	gs.Register("price-feed", func(context.Context) error {
		stopFeed()
		return nil
	}, shutdown.OrderStopPriceFeed)
	go feed.Run(feedCtx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("API服务器退出")
		}
		if !gs.IsShuttingDown() {
			gs.Shutdown()
		}
		<-gs.Done()
		if err != nil {
			return err
		}
	case <-gs.Done():
	}

	logger.Info("等待优雅停机完成...")
	return gs.Err()
}

// newSubscriber 按配置创建状态通道
func newSubscriber(cfg *config.StatusChannelConfig, logger *logrus.Logger) (statuschannel.Subscriber, func() error, error) {
	switch cfg.Type {
	case "kafka":
		sub, err := statuschannel.NewKafkaSubscriber(cfg.Kafka, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("创建Kafka状态通道失败: %w", err)
		}
		return sub, sub.Close, nil
	case "websocket", "":
		return statuschannel.NewWebsocketSubscriber(cfg.Websocket, logger), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("不支持的状态通道类型: %s", cfg.Type)
	}
}

// awaitIdle 等待进行中的操作结束
func awaitIdle(ctx context.Context, busy func() bool) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for busy() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("仍有操作进行中: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
