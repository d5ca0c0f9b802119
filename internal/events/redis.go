package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	redisstore "Orchestrator-Core/internal/storage/redis"
)

// RedisConfig 描述 Redis 事件总线的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string

	// DeadLetterLimit 控制死信列表保留的条数，0 表示不写入列表。
	DeadLetterLimit int64
}

// RedisPublisher 通过 PUBLISH 广播事件，并把死信追加到有界列表便于排查。
type RedisPublisher struct {
	client    *redis.Client
	prefix    string
	dlqLimit  int64
	ownClient bool
}

// NewRedisPublisher 创建 Redis 发布者。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client, err := redisstore.Open(ctx, redisstore.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	p := NewRedisPublisherWithClient(client, cfg.KeyPrefix, cfg.DeadLetterLimit)
	p.ownClient = true
	return p, nil
}

// NewRedisPublisherWithClient 复用已有客户端，Close 不会关闭它。
func NewRedisPublisherWithClient(client *redis.Client, prefix string, deadLetterLimit int64) *RedisPublisher {
	if prefix == "" {
		prefix = "orchestrator:"
	}
	return &RedisPublisher{client: client, prefix: prefix, dlqLimit: deadLetterLimit}
}

// Channel 返回主题对应的 Redis 频道名。
func (p *RedisPublisher) Channel(topic string) string {
	return p.prefix + topic
}

// Publish 实现 Publisher。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}
	if event.Topic == TopicDeadLetter && p.dlqLimit > 0 {
		key := p.prefix + "dead_letter"
		pipe := p.client.TxPipeline()
		pipe.LPush(ctx, key, body)
		pipe.LTrim(ctx, key, 0, p.dlqLimit-1)
		pipe.Publish(ctx, p.Channel(event.Topic), body)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("Redis 写入死信失败: %w", err)
		}
		return nil
	}
	if err := p.client.Publish(ctx, p.Channel(event.Topic), body).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭自建的 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil || !p.ownClient {
		return nil
	}
	return p.client.Close()
}
