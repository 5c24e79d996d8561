package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBusy — блокировка уже удерживается другим владельцем и не истекла.
// Движок не повторяет попытку — конфликт возвращается вызывающему
// (HTTP 409), решение за ним.
var ErrBusy = errors.New("lock busy")

// DefaultTTL — срок жизни блокировки по умолчанию. TTL ограничивает
// ущерб от упавшего владельца: блокировка исчезает сама.
const DefaultTTL = 10 * time.Minute

// keyPrefix — пространство ключей блокировок в Redis.
const keyPrefix = "opsflow:lock:"

// renewScript продлевает TTL только при совпадении owner token.
var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// releaseScript удаляет блокировку только при совпадении owner token.
// Медленный бывший владелец не снимет чужую блокировку, занятую
// после истечения его TTL.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Manager — распределённая именованная блокировка с TTL и owner token.
//
// Инвариант: на каждый ключ в любой момент существует не более одной
// неистёкшей блокировки. Хранится в общем Redis, поэтому инвариант
// действует между процессами — никакого in-process флага.
type Manager struct {
	client *redis.Client
	logger *slog.Logger
}

// NewManager создаёт новый Manager.
func NewManager(client *redis.Client, logger *slog.Logger) *Manager {
	return &Manager{client: client, logger: logger}
}

// Acquire пытается захватить блокировку key на ttl.
// Возвращает owner token при успехе, ErrBusy — если ключ уже занят.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.New().String()

	ok, err := m.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBusy, key)
	}

	m.logger.Info("lock acquired", "key", key, "ttl", ttl)
	return token, nil
}

// Renew продлевает ttl блокировки, если token совпадает с текущим
// владельцем. Возвращает false, если блокировка истекла или занята
// другим — вызывающий должен считать, что эксклюзивность потеряна.
func (m *Manager) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	n, err := renewScript.Run(ctx, m.client, []string{keyPrefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", key, err)
	}
	return n == 1, nil
}

// Release снимает блокировку, если token совпадает с текущим владельцем.
// Чужой или устаревший token — no-op, возвращается false.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.client, []string{keyPrefix + key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}

	released := n == 1
	if released {
		m.logger.Info("lock released", "key", key)
	} else {
		m.logger.Warn("lock release skipped: not the owner", "key", key)
	}
	return released, nil
}

// Heartbeat периодически продлевает блокировку, пока ctx жив.
// Интервал — треть ttl, чтобы пережить пару неудачных продлений.
// Завершается сам, если продление вернуло false (владение потеряно).
func (m *Manager) Heartbeat(ctx context.Context, key, token string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.Renew(ctx, key, token, ttl)
			if err != nil {
				m.logger.Warn("lock renew failed", "key", key, "error", err)
				continue
			}
			if !ok {
				m.logger.Warn("lock ownership lost, stopping heartbeat", "key", key)
				return
			}
		}
	}
}
