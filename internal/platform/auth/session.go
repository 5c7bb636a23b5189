package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	sessionKeyPrefix  = "session:"
	SessionHeader     = "X-Session-Token"
	SessionCookieName = "session_id"
)

// ErrSessionNotFound is returned when a token is unknown or expired.
var ErrSessionNotFound = errors.New("session not found or expired")

// sessionBackend is the subset of *redis.Client used by the session store.
type sessionBackend interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type storedSession struct {
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// RedisSessionStore maps opaque session tokens to callers.
type RedisSessionStore struct {
	client sessionBackend
	ttl    time.Duration
}

func NewRedisSessionStore(client sessionBackend, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

// NewRedisClient connects to the Redis instance at url and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Create starts a session for caller and returns its token.
func (s *RedisSessionStore) Create(ctx context.Context, caller Caller) (string, error) {
	token := uuid.NewString()
	data, err := json.Marshal(storedSession{UserID: caller.ID, Role: caller.Role, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+token, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return token, nil
}

// Lookup resolves token to the caller it was issued for.
func (s *RedisSessionStore) Lookup(ctx context.Context, token string) (Caller, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return Caller{}, ErrSessionNotFound
	}
	if err != nil {
		return Caller{}, fmt.Errorf("load session: %w", err)
	}

	var sess storedSession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return Caller{}, fmt.Errorf("unmarshal session: %w", err)
	}
	role, err := ParseRole(string(sess.Role))
	if err != nil || sess.UserID == "" {
		return Caller{}, ErrSessionNotFound
	}
	return Caller{ID: sess.UserID, Role: role}, nil
}

// Revoke deletes the session.
func (s *RedisSessionStore) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, sessionKeyPrefix+token).Err()
}

// SessionMiddleware resolves the session token from the X-Session-Token
// header or the session_id cookie.
func SessionMiddleware(store *RedisSessionStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.Request().Header.Get(SessionHeader)
			if token == "" {
				if cookie, err := c.Cookie(SessionCookieName); err == nil {
					token = cookie.Value
				}
			}
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing session token")
			}

			caller, err := store.Lookup(c.Request().Context(), token)
			if errors.Is(err, ErrSessionNotFound) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid session")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
			}

			ctx := WithCaller(c.Request().Context(), caller)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
