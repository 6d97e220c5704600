package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Display  DisplayConfig  `mapstructure:"display"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Hardware HardwareConfig `mapstructure:"hardware"`
	EPort    EPortConfig    `mapstructure:"eport"`
	Vend     VendConfig     `mapstructure:"vend"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Log      LogConfig      `mapstructure:"log"`
	System   SystemConfig   `mapstructure:"system"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DisplayConfig 顾客显示屏配置（浏览器Kiosk通过WebSocket接收推送）
type DisplayConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Path              string        `mapstructure:"path"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ReceiptHoldTime   time.Duration `mapstructure:"receipt_hold_time"`
	ErrorHoldTime     time.Duration `mapstructure:"error_hold_time"`
}

// SerialConfig 串口配置
type SerialConfig struct {
	Port          string        `mapstructure:"port"`
	BaudRate      int           `mapstructure:"baud_rate"`
	DataBits      int           `mapstructure:"data_bits"`
	StopBits      int           `mapstructure:"stop_bits"`
	Parity        string        `mapstructure:"parity"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	OpenRetries   int           `mapstructure:"open_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MockMode      bool          `mapstructure:"mock_mode"` // 调试模式（使用模拟刷卡器）
}

// HardwareConfig 机台控制板配置（按钮/流量计/电机经独立串口）
type HardwareConfig struct {
	ControlPort string `mapstructure:"control_port"`
	BaudRate    int    `mapstructure:"baud_rate"`
	EventBuffer int    `mapstructure:"event_buffer"`
	MockMode    bool   `mapstructure:"mock_mode"` // 使用模拟控制板
}

// EPortConfig ePort刷卡器协议配置
type EPortConfig struct {
	AuthAmountCents  int64         `mapstructure:"auth_amount_cents"`  // 预授权金额（分）
	CommandDelay     time.Duration `mapstructure:"command_delay"`      // 命令发出后的等待时间
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`       // 单次响应读取超时
	MaxRetries       int           `mapstructure:"max_retries"`        // 状态轮询/授权请求的重试预算
	RetryDelay       time.Duration `mapstructure:"retry_delay"`        // 重试间隔
	PostResetDelay   time.Duration `mapstructure:"post_reset_delay"`   // 复位后到发起授权的等待
	TxIDRetries      int           `mapstructure:"tx_id_retries"`      // 交易号查询重试次数
	TxIDRetryBackoff time.Duration `mapstructure:"tx_id_retry_backoff"` // 交易号查询重试退避
}

// VendConfig 售卖流程配置
type VendConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`         // 状态轮询间隔
	InactivityTimeout   time.Duration `mapstructure:"inactivity_timeout"`    // 无操作自动完成
	InactivityWarning   time.Duration `mapstructure:"inactivity_warning"`    // 无操作警告阈值（须小于超时）
	MaxSessionTime      time.Duration `mapstructure:"max_session_time"`      // 单次会话最长时间
	SwitchDebounce      time.Duration `mapstructure:"switch_debounce"`       // 切换商品防抖
	MaxItemsPerSession  int           `mapstructure:"max_items_per_session"` // 单笔交易品类上限
	MaxTransactionCents int64         `mapstructure:"max_transaction_cents"` // 单笔交易金额上限（分）
	MaxMotorErrors      int           `mapstructure:"max_motor_errors"`      // 电机连续失败上限
	MaxConsecutiveErrors int          `mapstructure:"max_consecutive_errors"` // 主循环连续错误上限
	DeclineHoldTime     time.Duration `mapstructure:"decline_hold_time"`     // 拒付提示停留时间
}

// CatalogConfig 商品目录配置
type CatalogConfig struct {
	Path string `mapstructure:"path"` // products.json 路径
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"`
	MaxProcs int    `mapstructure:"max_procs"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("SOAP_VEND")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			return
		}

		err = Validate(cfg)
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.mode", "production")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/soap-vend.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// 显示屏默认配置
	v.SetDefault("display.enabled", true)
	v.SetDefault("display.path", "/ws")
	v.SetDefault("display.read_buffer_size", 1024)
	v.SetDefault("display.write_buffer_size", 1024)
	v.SetDefault("display.ping_interval", "30s")
	v.SetDefault("display.pong_timeout", "60s")
	v.SetDefault("display.write_timeout", "10s")
	v.SetDefault("display.receipt_hold_time", "10s")
	v.SetDefault("display.error_hold_time", "10s")

	// 串口默认配置（ePort固定9600 8N1）
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.read_timeout", "1s")
	v.SetDefault("serial.open_retries", 5)
	v.SetDefault("serial.retry_interval", "5s")
	v.SetDefault("serial.mock_mode", false)

	// 控制板默认配置
	v.SetDefault("hardware.control_port", "/dev/ttyUSB1")
	v.SetDefault("hardware.baud_rate", 115200)
	v.SetDefault("hardware.event_buffer", 256)
	v.SetDefault("hardware.mock_mode", false)

	// ePort协议默认配置
	v.SetDefault("eport.auth_amount_cents", 2000)
	v.SetDefault("eport.command_delay", "500ms")
	v.SetDefault("eport.read_timeout", "1s")
	v.SetDefault("eport.max_retries", 3)
	v.SetDefault("eport.retry_delay", "1s")
	v.SetDefault("eport.post_reset_delay", "500ms")
	v.SetDefault("eport.tx_id_retries", 3)
	v.SetDefault("eport.tx_id_retry_backoff", "500ms")

	// 售卖流程默认配置
	v.SetDefault("vend.poll_interval", "1s")
	v.SetDefault("vend.inactivity_timeout", "60s")
	v.SetDefault("vend.inactivity_warning", "45s")
	v.SetDefault("vend.max_session_time", "5m")
	v.SetDefault("vend.switch_debounce", "500ms")
	v.SetDefault("vend.max_items_per_session", 10)
	v.SetDefault("vend.max_transaction_cents", 100000)
	v.SetDefault("vend.max_motor_errors", 5)
	v.SetDefault("vend.max_consecutive_errors", 10)
	v.SetDefault("vend.decline_hold_time", "5s")

	// 商品目录默认配置
	v.SetDefault("catalog.path", "./config/products.json")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "soap-vend.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置的内部一致性
func Validate(c *Config) error {
	if c.EPort.AuthAmountCents <= 0 {
		return fmt.Errorf("eport.auth_amount_cents 必须为正数: %d", c.EPort.AuthAmountCents)
	}
	if c.Vend.InactivityWarning >= c.Vend.InactivityTimeout {
		return fmt.Errorf("vend.inactivity_warning (%v) 必须小于 vend.inactivity_timeout (%v)",
			c.Vend.InactivityWarning, c.Vend.InactivityTimeout)
	}
	if c.Vend.MaxItemsPerSession <= 0 {
		return fmt.Errorf("vend.max_items_per_session 必须为正数: %d", c.Vend.MaxItemsPerSession)
	}
	if c.Vend.MaxTransactionCents < c.EPort.AuthAmountCents {
		return fmt.Errorf("vend.max_transaction_cents (%d) 不能小于预授权金额 (%d)",
			c.Vend.MaxTransactionCents, c.EPort.AuthAmountCents)
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := Validate(newCfg); err != nil {
			fmt.Printf("配置重载被拒绝: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetInt 获取整数配置
func GetInt(key string) int {
	return v.GetInt(key)
}

// GetBool 获取布尔配置
func GetBool(key string) bool {
	return v.GetBool(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}
