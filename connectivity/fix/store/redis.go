package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/wyfcoding/fixengine/breaker"
	"github.com/wyfcoding/fixengine/connectivity/fix"
)

// RedisStore 将序列号与报文保存在 Redis 中，多个进程可共享同一会话状态.
//
// 键布局（key 为 SessionID 字符串）:
//
//	<prefix>:{<key>}:sender   已分配的最大发送序列号
//	<prefix>:{<key>}:target   已接收的最大序列号
//	<prefix>:{<key>}:messages Hash，field 为序列号，value 为原始报文
type RedisStore struct {
	client      redis.UniversalClient
	breaker     *breaker.Breaker
	senderKey   string
	targetKey   string
	messagesKey string
}

// NewRedisStore 创建 RedisStore. cb 可为 nil.
func NewRedisStore(client redis.UniversalClient, prefix string, id fix.SessionID, cb *breaker.Breaker) *RedisStore {
	// hash tag 使同一会话的键落在同一个 slot，集群模式下 Del 多键可用.
	base := "{" + id.String() + "}"
	if prefix != "" {
		base = prefix + ":" + base
	}
	return &RedisStore{
		client:      client,
		breaker:     cb,
		senderKey:   base + ":sender",
		targetKey:   base + ":target",
		messagesKey: base + ":messages",
	}
}

func (s *RedisStore) next(ctx context.Context, key string) (int, error) {
	return breaker.ExecuteTyped(s.breaker, func() (int, error) {
		last, err := s.client.Get(ctx, key).Int()
		if errors.Is(err, redis.Nil) {
			return 1, nil
		}
		if err != nil {
			return 0, fmt.Errorf("redis get %s: %w", key, err)
		}
		return last + 1, nil
	})
}

func (s *RedisStore) incr(ctx context.Context, key string) error {
	return s.breaker.Do(func() error {
		return s.client.Incr(ctx, key).Err()
	})
}

func (s *RedisStore) NextSenderMsgSeqNum(ctx context.Context) (int, error) {
	return s.next(ctx, s.senderKey)
}

func (s *RedisStore) IncrNextSenderMsgSeqNum(ctx context.Context) error {
	return s.incr(ctx, s.senderKey)
}

func (s *RedisStore) NextTargetMsgSeqNum(ctx context.Context) (int, error) {
	return s.next(ctx, s.targetKey)
}

func (s *RedisStore) IncrNextTargetMsgSeqNum(ctx context.Context) error {
	return s.incr(ctx, s.targetKey)
}

func (s *RedisStore) SetNextTargetMsgSeqNum(ctx context.Context, seq int) error {
	return s.breaker.Do(func() error {
		return s.client.Set(ctx, s.targetKey, seq-1, 0).Err()
	})
}

func (s *RedisStore) SaveMessage(ctx context.Context, seq int, raw []byte) error {
	return s.breaker.Do(func() error {
		return s.client.HSet(ctx, s.messagesKey, strconv.Itoa(seq), raw).Err()
	})
}

// redisFetchChunk 是单次 HMGET 请求的最大字段数.
const redisFetchChunk = 512

// GetMessages 读取 [begin, end] 内的报文. 上限总是截断到已分配的最大发送序列号，
// end 为 0 时即取该值.
func (s *RedisStore) GetMessages(ctx context.Context, begin, end int) ([]fix.StoredMessage, error) {
	next, err := s.NextSenderMsgSeqNum(ctx)
	if err != nil {
		return nil, err
	}
	if end == 0 || end > next-1 {
		end = next - 1
	}
	if begin < 1 {
		begin = 1
	}
	if end < begin {
		return []fix.StoredMessage{}, nil
	}

	out := make([]fix.StoredMessage, 0, min(end-begin+1, redisFetchChunk))
	fields := make([]string, 0, min(end-begin+1, redisFetchChunk))
	for from := begin; from <= end; from += redisFetchChunk {
		to := min(from+redisFetchChunk-1, end)
		fields = fields[:0]
		for seq := from; seq <= to; seq++ {
			fields = append(fields, strconv.Itoa(seq))
		}

		values, err := breaker.ExecuteTyped(s.breaker, func() ([]any, error) {
			return s.client.HMGet(ctx, s.messagesKey, fields...).Result()
		})
		if err != nil {
			return nil, fmt.Errorf("redis hmget %s: %w", s.messagesKey, err)
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			out = append(out, fix.StoredMessage{SeqNum: from + i, Raw: []byte(raw)})
		}
	}
	return out, nil
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.breaker.Do(func() error {
		return s.client.Del(ctx, s.senderKey, s.targetKey, s.messagesKey).Err()
	})
}

// RedisStoreFactory 使用共享客户端为每个会话创建 RedisStore.
type RedisStoreFactory struct {
	Client  redis.UniversalClient
	Breaker *breaker.Breaker
	Prefix  string
}

func (f RedisStoreFactory) Create(id fix.SessionID) (fix.Store, error) {
	if f.Client == nil {
		return nil, errors.New("redis store factory: nil client")
	}
	return NewRedisStore(f.Client, f.Prefix, id, f.Breaker), nil
}
