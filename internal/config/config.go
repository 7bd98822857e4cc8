package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ticket   TicketConfig   `mapstructure:"ticket"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TicketConfig CAS 票据配置
// 各有效期使用 <数字><单位> 格式：m 分钟（省略时默认）、h 小时、d 天；
// 留空或 "0" 表示永不过期
type TicketConfig struct {
	TGTExpiry       string        `mapstructure:"tgt_expiry"`
	STExpiry        string        `mapstructure:"st_expiry"`
	PGTExpiry       string        `mapstructure:"pgt_expiry"`
	PTExpiry        string        `mapstructure:"pt_expiry"`
	ProxyEnabled    bool          `mapstructure:"proxy_enabled"`
	CallbackTimeout time.Duration `mapstructure:"callback_timeout"`

	// 解析后的有效期窗口，Load 时由上面的字符串计算得出
	Windows ExpiryWindows `mapstructure:"-"`
}

// ExpiryWindows 各票据类型的有效期窗口，0 表示永不过期。
// 窗口在每次校验时相对 created_at 惰性计算，因此运行期修改配置会
// 追溯影响已签发票据的实际有效期（保留的语义，不快照截止时间）
type ExpiryWindows struct {
	TGT time.Duration
	ST  time.Duration
	PGT time.Duration
	PT  time.Duration
}

// Load 加载配置
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// 支持环境变量覆盖
	viper.AutomaticEnv()

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return unmarshal()
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal()
}

// unmarshal 反序列化配置并解析票据有效期
// 有效期格式错误属于配置错误，进程必须拒绝启动
func unmarshal() (*Config, error) {
	var c Config
	if err := viper.Unmarshal(&c); err != nil {
		return nil, err
	}

	var err error
	if c.Ticket.Windows.TGT, err = ParseExpiry(c.Ticket.TGTExpiry); err != nil {
		return nil, fmt.Errorf("ticket.tgt_expiry 无效: %w", err)
	}
	if c.Ticket.Windows.ST, err = ParseExpiry(c.Ticket.STExpiry); err != nil {
		return nil, fmt.Errorf("ticket.st_expiry 无效: %w", err)
	}
	if c.Ticket.Windows.PGT, err = ParseExpiry(c.Ticket.PGTExpiry); err != nil {
		return nil, fmt.Errorf("ticket.pgt_expiry 无效: %w", err)
	}
	if c.Ticket.Windows.PT, err = ParseExpiry(c.Ticket.PTExpiry); err != nil {
		return nil, fmt.Errorf("ticket.pt_expiry 无效: %w", err)
	}

	return &c, nil
}

// ParseExpiry 解析票据有效期配置
// 格式为 <数字><单位>，单位 m 分钟（省略时默认）、h 小时、d 天；
// 空字符串或 "0" 表示永不过期，返回 0
func ParseExpiry(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "0" {
		return 0, nil
	}

	i := 0
	for i < len(spec) && spec[i] >= '0' && spec[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("有效期格式错误: %q，应为 <数字><单位>，如 60m、36h", spec)
	}

	n, err := strconv.Atoi(spec[:i])
	if err != nil {
		return 0, fmt.Errorf("有效期数值错误: %q: %w", spec, err)
	}

	unit := strings.ToLower(strings.TrimSpace(spec[i:]))
	switch {
	case unit == "" || strings.HasPrefix(unit, "m"):
		return time.Duration(n) * time.Minute, nil
	case strings.HasPrefix(unit, "h"):
		return time.Duration(n) * time.Hour, nil
	case strings.HasPrefix(unit, "d"):
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("有效期单位错误: %q，支持 m/h/d", spec)
	}
}

// setDefaults 设置默认值
func setDefaults() {
	// 服务器默认配置
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")

	// 数据库默认配置
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.postgres.host", "localhost")
	viper.SetDefault("database.postgres.port", 5432)
	viper.SetDefault("database.postgres.user", "postgres")
	viper.SetDefault("database.postgres.password", "")
	viper.SetDefault("database.postgres.dbname", "cas")
	viper.SetDefault("database.postgres.sslmode", "disable")

	// Redis 默认配置
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// 票据默认配置
	viper.SetDefault("ticket.tgt_expiry", "8h")
	viper.SetDefault("ticket.st_expiry", "5m")
	viper.SetDefault("ticket.pgt_expiry", "8h")
	viper.SetDefault("ticket.pt_expiry", "5m")
	viper.SetDefault("ticket.proxy_enabled", true)
	viper.SetDefault("ticket.callback_timeout", "5s")
}
