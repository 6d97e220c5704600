package display

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/soap-vend/internal/catalog"
	"github.com/wfunc/soap-vend/internal/config"
	"github.com/wfunc/soap-vend/internal/database"
	"github.com/wfunc/soap-vend/internal/repository"
	"go.uber.org/zap"
)

// Server 显示屏服务
//
// 承载Kiosk页面的WebSocket推送与只读查询接口。
// 显示屏是纯被动接收方，任何接口都不驱动交易逻辑。
type Server struct {
	cfg         *config.Config
	hub         *Hub
	catalog     *catalog.Catalog
	settlements repository.SettlementRepository
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	logger      *zap.Logger
}

// NewServer 创建显示屏服务
func NewServer(cfg *config.Config, hub *Hub, cat *catalog.Catalog,
	settlements repository.SettlementRepository, logger *zap.Logger) *Server {

	return &Server{
		cfg:         cfg,
		hub:         hub,
		catalog:     cat,
		settlements: settlements,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Display.ReadBufferSize,
			WriteBufferSize: cfg.Display.WriteBufferSize,
			// 本机Kiosk浏览器，不做Origin校验
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Router 构建路由
func (s *Server) Router() *gin.Engine {
	if s.cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET(s.cfg.Display.Path, s.handleWebSocket)

	api := router.Group("/api")
	{
		api.GET("/products", s.handleProducts)
		api.GET("/settlements", s.handleSettlements)
	}

	return router
}

// Start 启动HTTP服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("显示屏服务启动", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅停止HTTP服务
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth 健康检查
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"database": database.IsConnected(),
		"displays": s.hub.ClientCount(),
		"time":     time.Now().Unix(),
	})
}

// handleProducts 商品目录（只读）
func (s *Server) handleProducts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"products": s.catalog.All(),
	})
}

// handleSettlements 最近结算流水（只读，运营核对用）
func (s *Server) handleSettlements(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	settlements, err := s.settlements.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("查询结算流水失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"settlements": settlements,
	})
}

// handleWebSocket 升级WebSocket连接
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket升级失败", zap.Error(err))
		return
	}

	client := s.hub.NewClient(conn)
	s.hub.register <- client

	go s.writePump(client)
	go s.readPump(client)

	// 新连接立即推送商品目录
	s.hub.push(MessageTypeProducts, s.catalog.All())
}

// writePump 向显示屏写出消息
func (s *Server) writePump(client *Client) {
	pingTicker := time.NewTicker(s.cfg.Display.PingInterval)
	defer func() {
		pingTicker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(s.cfg.Display.WriteTimeout))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-pingTicker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(s.cfg.Display.WriteTimeout))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 消费显示屏的入站帧
//
// 显示屏不驱动逻辑，入站消息一律丢弃，
// 读取仅用于感知断连与应答pong。
func (s *Server) readPump(client *Client) {
	defer func() {
		s.hub.unregister <- client
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(512)
	client.Conn.SetReadDeadline(time.Now().Add(s.cfg.Display.PongTimeout))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(s.cfg.Display.PongTimeout))
		return nil
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}
