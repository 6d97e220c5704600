package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/wfunc/soap-vend/internal/catalog"
	"github.com/wfunc/soap-vend/internal/config"
	"github.com/wfunc/soap-vend/internal/database"
	"github.com/wfunc/soap-vend/internal/display"
	"github.com/wfunc/soap-vend/internal/eport"
	"github.com/wfunc/soap-vend/internal/errors"
	"github.com/wfunc/soap-vend/internal/hardware"
	"github.com/wfunc/soap-vend/internal/logger"
	"github.com/wfunc/soap-vend/internal/repository"
	"github.com/wfunc/soap-vend/internal/vend"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 售卖机控制器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务组件
	catalog      *catalog.Catalog
	eportPort    eport.Port
	eportClient  *eport.Client
	board        hardware.EventSource
	motors       hardware.MotorSink
	hub          *display.Hub
	displaySrv   *display.Server
	orchestrator *vend.Orchestrator

	// 关闭控制
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	// 显示版本信息
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// 显示帮助信息
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	// 设置系统参数
	setupSystem(&cfg.System)

	// 打印启动信息
	printStartInfo(cfg)

	// 创建服务器实例
	server := NewServer(cfg)

	// 启动服务器
	if err := server.Start(); err != nil {
		logger.Fatal("控制器启动失败", zap.Error(err))
	}

	// 等待退出信号
	server.WaitForShutdown()

	// 优雅关闭
	if err := server.Shutdown(); err != nil {
		logger.Error("控制器关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("控制器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动售卖机控制器...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	// 初始化各个组件
	if err := s.initComponents(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化组件失败")
	}

	// 启动各个服务
	if err := s.startServices(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "启动服务失败")
	}

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("控制器启动成功",
		zap.String("http", fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)),
		zap.Int("products", s.catalog.Count()),
	)

	return nil
}

// initComponents 初始化组件
func (s *Server) initComponents() error {
	s.logger.Info("初始化组件...")

	if err := s.initDatabase(); err != nil {
		return err
	}

	if err := s.initCatalog(); err != nil {
		return err
	}

	if err := s.initPeripheral(); err != nil {
		return err
	}

	if err := s.initControlBoard(); err != nil {
		return err
	}

	s.initDisplay()
	s.initOrchestrator()

	s.logger.Info("所有组件初始化完成")
	return nil
}

// initDatabase 初始化数据库
func (s *Server) initDatabase() error {
	s.logger.Info("初始化数据库...")

	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}

	if !database.IsConnected() {
		return errors.New(errors.ErrDatabaseConnect, "数据库连接检查失败")
	}

	s.logger.Info("数据库初始化完成")
	return nil
}

// initCatalog 加载商品目录
func (s *Server) initCatalog() error {
	s.logger.Info("加载商品目录...", zap.String("path", s.cfg.Catalog.Path))

	cat, err := catalog.Load(s.cfg.Catalog.Path)
	if err != nil {
		return err
	}
	s.catalog = cat

	s.logger.Info("商品目录加载完成", zap.Int("products", cat.Count()))
	return nil
}

// initPeripheral 初始化刷卡器串口与协议客户端
func (s *Server) initPeripheral() error {
	if s.cfg.Serial.MockMode {
		s.logger.Warn("刷卡器使用模拟模式")
		s.eportPort = hardware.NewMockPort()
	} else {
		port, err := hardware.OpenPort(&s.cfg.Serial)
		if err != nil {
			return errors.Wrap(err, errors.ErrSerialPortOpen, "打开刷卡器串口失败")
		}
		s.eportPort = port
	}

	s.eportClient = eport.NewClient(s.eportPort, &s.cfg.EPort,
		logger.GetModuleLogger("eport"))
	return nil
}

// initControlBoard 初始化机台控制板（按钮/流量计/电机）
func (s *Server) initControlBoard() error {
	if s.cfg.Hardware.MockMode {
		s.logger.Warn("控制板使用模拟模式")
		board := hardware.NewSimBoard()
		s.board = board
		s.motors = board
		return nil
	}

	board, err := hardware.OpenControlBoard(&s.cfg.Hardware)
	if err != nil {
		return errors.Wrap(err, errors.ErrSerialPortOpen, "打开控制板串口失败")
	}
	s.board = board
	s.motors = board
	return nil
}

// initDisplay 初始化顾客显示屏
func (s *Server) initDisplay() {
	if !s.cfg.Display.Enabled {
		s.logger.Info("显示屏已禁用")
		return
	}

	s.hub = display.NewHub(&s.cfg.Display, logger.GetModuleLogger("display"))
	s.displaySrv = display.NewServer(s.cfg, s.hub, s.catalog,
		repository.NewSettlementRepository(database.GetDB()),
		logger.GetModuleLogger("display"))
}

// initOrchestrator 初始化交易编排器
func (s *Server) initOrchestrator() {
	var sink display.Sink = display.NopSink{}
	if s.hub != nil {
		sink = s.hub
	}

	s.orchestrator = vend.New(s.cfg, s.eportClient, s.catalog,
		s.board.Events(), s.motors, sink,
		repository.NewSettlementRepository(database.GetDB()),
		logger.GetModuleLogger("vend"))
}

// startServices 启动服务
func (s *Server) startServices() error {
	s.logger.Info("启动服务...")

	// 显示屏推送与HTTP服务
	if s.hub != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.hub.Run()
		}()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.displaySrv.Start(); err != nil {
				s.logger.Error("显示屏服务异常退出", zap.Error(err))
				s.triggerShutdown()
			}
		}()
	}

	// 交易编排器主循环
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.orchestrator.Run(s.ctx); err != nil && err != context.Canceled {
			s.logger.Error("交易编排器异常退出", zap.Error(err))
			s.triggerShutdown()
		}
	}()

	s.logger.Info("所有服务启动完成")
	return nil
}

// triggerShutdown 触发优雅关闭（幂等）
func (s *Server) triggerShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)

	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
		syscall.SIGQUIT, // Ctrl+\
	)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-s.shutdownCh:
		s.logger.Info("收到内部关闭请求")
	}

	s.triggerShutdown()
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭控制器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止HTTP服务
	if s.displaySrv != nil {
		if err := s.displaySrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("关闭显示屏服务失败", zap.Error(err))
		}
	}

	// 取消主上下文，编排器停电机、复位刷卡器后退出
	s.cancel()

	if s.hub != nil {
		s.hub.Stop()
	}

	// 等待所有服务关闭
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
		return errors.New(errors.ErrTimeout, "关闭超时")
	}

	// 关闭各个组件
	if err := s.closeComponents(); err != nil {
		s.logger.Error("关闭组件失败", zap.Error(err))
		return err
	}

	// 同步日志
	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}

	return nil
}

// closeComponents 关闭组件
func (s *Server) closeComponents() error {
	s.logger.Info("关闭组件...")

	if s.board != nil {
		if err := s.board.Close(); err != nil {
			s.logger.Error("关闭控制板失败", zap.Error(err))
		}
	}

	if s.eportPort != nil {
		if err := s.eportPort.Close(); err != nil {
			s.logger.Error("关闭刷卡器串口失败", zap.Error(err))
		}
	}

	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}

	s.logger.Info("所有组件已关闭")
	return nil
}

// reloadConfig 重新加载配置
//
// 串口与数据库参数需要重启进程生效，这里只更新日志级别。
func (s *Server) reloadConfig(newCfg *config.Config) {
	s.cfg = newCfg

	logger.SetLevel(newCfg.Log.Level)

	s.logger.Info("配置重新加载完成")
}

// setupSystem 设置系统参数
func setupSystem(cfg *config.SystemConfig) {
	// 设置时区
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		}
	}

	// 设置最大处理器数
	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}

	// 设置文件描述符限制（Unix系统）
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err == nil {
		rLimit.Cur = rLimit.Max
		syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	}
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("无人售皂机控制器\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("无人售皂机控制器")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  soap-vend-server [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  SOAP_VEND_SERIAL_PORT      刷卡器串口设备")
	fmt.Println("  SOAP_VEND_SERIAL_MOCK_MODE 使用模拟刷卡器 (true/false)")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  soap-vend-server -config=/path/to/config.yaml")
	fmt.Println("  soap-vend-server -version")
}

// printStartInfo 打印启动信息
func printStartInfo(cfg *config.Config) {
	fmt.Println("═══════════════════════════════════════")
	fmt.Println("          无人售皂机控制器")
	fmt.Println("═══════════════════════════════════════")
	fmt.Printf("版本: %s | 模式: %s | PID: %d\n", Version, cfg.Server.Mode, os.Getpid())
	fmt.Printf("刷卡器: %s | 控制板: %s\n", cfg.Serial.Port, cfg.Hardware.ControlPort)
	fmt.Println("═══════════════════════════════════════")
}
