package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultKeyPrefix = "nfe:lock:"
	defaultTTL       = 60 * time.Second
	retryInterval    = 50 * time.Millisecond
)

// releaseScript borra la clave solo si el token sigue siendo el nuestro (el TTL pudo expirar
// y otra réplica haber tomado el lock).
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker lock distribuido por documento con SET NX + TTL.
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	log       zerolog.Logger
}

// RedisConfig conexión y parámetros del lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisLocker conecta y verifica Redis.
func NewRedisLocker(ctx context.Context, cfg RedisConfig, log zerolog.Logger) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("conectar redis %s: %w", cfg.Addr, err)
	}
	return NewRedisLockerWithClient(client, "", cfg.TTL, log), nil
}

// NewRedisLockerWithClient usa un cliente existente (compartido o de pruebas).
func NewRedisLockerWithClient(client *redis.Client, keyPrefix string, ttl time.Duration, log zerolog.Logger) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix, ttl: ttl, log: log}
}

// Lock reintenta SET NX hasta obtener la clave o hasta que ctx termine.
// El TTL acota el lock si el proceso muere sin liberarlo.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.keyPrefix + key
	token := uuid.New().String()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("tomar lock %s: %w", key, err)
		}
		if ok {
			return func() { l.unlock(redisKey, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) unlock(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
		l.log.Warn().Err(err).Str("key", redisKey).Msg("liberar lock redis")
	}
}

// Close cierra el cliente Redis.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
