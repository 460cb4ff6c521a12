// Package lease provides exclusive, self-renewing leases stored in Redis.
// This package is internal and should not be imported by external projects.
package lease

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// =============================================================================
// 🔒 租约管理器
// =============================================================================

var (
	// ErrLeaseLost 租约已过期或被其他持有者取得
	ErrLeaseLost = errors.New("lease lost")

	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("lease manager is closed")
)

// 仅当 token 匹配时续期/删除，避免误删他人租约
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Manager 租约管理器
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Config 租约配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 默认租约时长
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// 争用时的重试间隔
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`

	// TLS 配置，nil 表示明文连接
	TLSConfig *tls.Config `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认租约配置
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		PoolSize:      4,
		MinIdleConns:  1,
		DefaultTTL:    30 * time.Second,
		RetryInterval: 200 * time.Millisecond,
	}
}

// NewManager 创建租约管理器
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultConfig().RetryInterval
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		TLSConfig:    config.TLSConfig,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("lease manager initialized",
		zap.String("addr", config.Addr),
		zap.Duration("default_ttl", config.DefaultTTL),
	)

	return &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "lease")),
	}, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Acquire 阻塞直到取得 key 的租约或 ctx 结束。ttl 为 0 时使用默认时长。
// 持有期间后台每 ttl/3 自动续期。
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	token := uuid.NewString()
	limiter := rate.NewLimiter(rate.Every(m.config.RetryInterval), 1)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if err := m.checkOpen(); err != nil {
			return nil, err
		}

		ok, err := m.redis.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lease acquire failed: %w", err)
		}
		if ok {
			m.logger.Debug("lease acquired",
				zap.String("key", key),
				zap.Int("attempts", attempt),
				zap.Duration("waited", time.Since(start)),
			)
			l := &Lease{
				manager: m,
				key:     key,
				token:   token,
				ttl:     ttl,
				stop:    make(chan struct{}),
				done:    make(chan struct{}),
				lost:    make(chan struct{}),
			}
			go l.keepAlive()
			return l, nil
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("lease %s still held after %d attempts: %w", key, attempt, err)
		}
	}
}

// Holder 返回当前持有 key 的 token，无人持有时返回空串
func (m *Manager) Holder(ctx context.Context, key string) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	token, err := m.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease holder lookup failed: %w", err)
	}
	return token, nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.redis.Ping(ctx).Err()
}

// Close 关闭租约管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	m.logger.Info("closing lease manager")

	return m.redis.Close()
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// =============================================================================
// 📜 租约
// =============================================================================

// Lease 已取得的租约
type Lease struct {
	manager *Manager
	key     string
	token   string
	ttl     time.Duration

	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	lost     chan struct{}
	lostOnce sync.Once
}

// Key 返回租约键
func (l *Lease) Key() string { return l.key }

// Token 返回持有者 token
func (l *Lease) Token() string { return l.token }

// Lost 返回一个在租约丢失时关闭的 channel
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Check 同步续期一次并确认租约仍归自己所有。
// 租约已被取走或过期时返回 ErrLeaseLost，此后 Lost() 保持关闭。
func (l *Lease) Check(ctx context.Context) error {
	select {
	case <-l.lost:
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	default:
	}

	n, err := renewScript.Run(ctx, l.manager.redis, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lease check failed: %w", err)
	}
	if n == 0 {
		l.markLost()
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	return nil
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// Release 停止续期并删除租约。租约已丢失时返回 ErrLeaseLost。
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() { close(l.stop) })
	<-l.done

	n, err := releaseScript.Run(ctx, l.manager.redis, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("lease release failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	return nil
}

// keepAlive 续期循环
func (l *Lease) keepAlive() {
	defer close(l.done)

	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := renewScript.Run(ctx, l.manager.redis, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.manager.logger.Warn("lease renewal failed", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.manager.logger.Error("lease lost while held", zap.String("key", l.key))
				l.markLost()
				return
			}
		}
	}
}
