package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr     string        // Адрес Redis сервера
	Password string        // Пароль (пустой если не требуется)
	DB       int           // Номер базы данных
	World    string        // Имя мира, входит в префикс ключей
	Timeout  time.Duration // Таймаут одной операции
}

// RedisStore общее хранилище записей для нескольких узлов.
// Ключи: terrain:{world}:{cx}_{cz}
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisStore подключается к Redis и проверяет соединение
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:  client,
		prefix:  fmt.Sprintf("%s%s:", badgerKeyPrefix, cfg.World),
		timeout: cfg.Timeout,
	}, nil
}

func (rs *RedisStore) key(key string) string {
	return rs.prefix + key
}

func (rs *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rs.timeout)
}

func (rs *RedisStore) Save(key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	ctx, cancel := rs.ctx()
	defer cancel()
	if err := rs.client.Set(ctx, rs.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("ошибка записи %s в Redis: %w", key, err)
	}
	return nil
}

func (rs *RedisStore) Load(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	ctx, cancel := rs.ctx()
	defer cancel()
	data, err := rs.client.Get(ctx, rs.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", key, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s из Redis: %w", key, err)
	}
	return data, nil
}

// Keys обходит пространство ключей мира через SCAN, не блокируя Redis
func (rs *RedisStore) Keys() ([]string, error) {
	ctx, cancel := rs.ctx()
	defer cancel()

	var keys []string
	iter := rs.client.Scan(ctx, 0, rs.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), rs.prefix)
		if validKey(key) != nil {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ошибка SCAN в Redis: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (rs *RedisStore) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	ctx, cancel := rs.ctx()
	defer cancel()
	if err := rs.client.Del(ctx, rs.key(key)).Err(); err != nil {
		return fmt.Errorf("ошибка удаления %s из Redis: %w", key, err)
	}
	return nil
}

func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
