package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	vaulterrors "vaultflow/internal/errors"
	"vaultflow/internal/executor"
	"vaultflow/pkg/models"
)

// Lifecycle 当前交易生命周期
type Lifecycle interface {
	Snapshot() models.LifecycleState
	Reset()
}

// Account 钱包会话
type Account interface {
	Connect(ctx context.Context) (string, error)
	Disconnect() error
	Account() string
}

// Registry 账户的金库登记
type Registry interface {
	ListFor(ctx context.Context, account string) ([]string, error)
	Import(ctx context.Context, account, address string) (string, error)
	Remove(account, address string) error
}

// VaultState 当前选中金库
type VaultState interface {
	Load(ctx context.Context, address string) (*models.Vault, error)
	Active() *models.Vault
	SetProjectedState(action models.ActionType, amount string) (*models.ProjectedState, error)
	ClearProjectedState()
	Projected() *models.ProjectedState
}

// Actions 金库操作
type Actions interface {
	CreateVault(ctx context.Context) (*executor.Result, error)
	DepositCollateral(ctx context.Context, amount uint64) (*executor.Result, error)
	RedeemCollateral(ctx context.Context, amount uint64) (*executor.Result, error)
	MintZkUsd(ctx context.Context, amount uint64) (*executor.Result, error)
	BurnZkUsd(ctx context.Context, amount uint64) (*executor.Result, error)
	Liquidate(ctx context.Context, address string) (*executor.Result, error)
	Busy() bool
}

// Prices 缓存的价格证明
type Prices interface {
	Snapshot() (*models.PricePoint, error)
	Current() uint64
}

// ErrorStats 执行器错误统计
type ErrorStats interface {
	GetStats() vaulterrors.ErrorStats
}

// Deps 服务依赖
type Deps struct {
	Lifecycle Lifecycle
	Account   Account
	Registry  Registry
	Vaults    VaultState
	Actions   Actions
	Prices    Prices
	Errors    ErrorStats
	Config    *ConfigManager
}

// Options 服务配置
type Options struct {
	Addr             string
	ProofServiceURL  string
	WorkerServiceURL string
	ProxyTimeout     time.Duration
	MaxLogs          int
}

// Server API服务器
type Server struct {
	Deps
	opts       Options
	logger     *logrus.Logger
	logManager *LogManager
	proxy      *proxy
	router     *gin.Engine
	server     *http.Server
	startedAt  time.Time
}

// NewServer 创建API服务器，并挂载日志钩子
func NewServer(opts Options, deps Deps, logger *logrus.Logger) *Server {
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = 1000
	}
	logManager := NewLogManager(opts.MaxLogs)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		Deps:       deps,
		opts:       opts,
		logger:     logger,
		logManager: logManager,
		proxy:      newProxy(opts.ProofServiceURL, opts.WorkerServiceURL, opts.ProxyTimeout, logger),
		startedAt:  time.Now(),
	}
	s.router = s.newRouter()
	return s
}

// Handler 路由处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动API服务器，阻塞直到 Stop
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", s.opts.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API服务器异常退出: %w", err)
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// CORS
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(gin.Recovery())

	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 原前端的服务端代理路由
	router.GET("/api/mina-price-proof", s.proxy.priceProof)
	router.POST("/api/cloud-worker", s.proxy.cloudWorker)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.DELETE("/status", s.resetStatus)

		v1.GET("/account", s.getAccount)
		v1.POST("/account", s.connectAccount)
		v1.DELETE("/account", s.disconnectAccount)

		v1.GET("/vaults", s.listVaults)
		v1.POST("/vaults", s.createVault)
		v1.POST("/vaults/import", s.importVault)
		v1.GET("/vaults/:address", s.loadVault)
		v1.DELETE("/vaults/:address", s.removeVault)
		v1.POST("/vaults/:address/actions", s.executeAction)
		v1.POST("/vaults/:address/projection", s.setProjection)
		v1.DELETE("/vaults/:address/projection", s.clearProjection)

		v1.GET("/risk", s.evaluateRisk)
		v1.GET("/price", s.getPrice)
		v1.GET("/stats", s.getStats)

		v1.GET("/logs", s.getLogs)
		v1.DELETE("/logs", s.clearLogs)

		if s.Config != nil {
			v1.GET("/config/:section", s.Config.GetConfig)
			v1.PUT("/config/:section", s.Config.UpdateConfig)
		}
	}
	return router
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "vaultflow",
	})
}

// getStats 运行统计
func (s *Server) getStats(c *gin.Context) {
	stats := gin.H{
		"uptime": time.Since(s.startedAt).String(),
		"busy":   s.Actions.Busy(),
	}
	if s.Errors != nil {
		stats["errors"] = s.Errors.GetStats()
	}
	c.JSON(http.StatusOK, stats)
}
