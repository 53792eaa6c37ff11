package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TicketLocker serializes automation work per ticket. The returned unlock
// function is safe to call more than once.
type TicketLocker interface {
	Lock(ctx context.Context, ticketID uint) (unlock func(), err error)
}

// MemoryTicketLocker 进程内按工单加锁
type MemoryTicketLocker struct {
	mu    sync.Mutex
	locks map[uint]*ticketLock
}

type ticketLock struct {
	ch   chan struct{}
	refs int
}

func NewMemoryTicketLocker() *MemoryTicketLocker {
	return &MemoryTicketLocker{locks: make(map[uint]*ticketLock)}
}

func (m *MemoryTicketLocker) Lock(ctx context.Context, ticketID uint) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[ticketID]
	if !ok {
		l = &ticketLock{ch: make(chan struct{}, 1)}
		m.locks[ticketID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(ticketID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(ticketID, l)
		})
	}, nil
}

func (m *MemoryTicketLocker) release(ticketID uint, l *ticketLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, ticketID)
	}
	m.mu.Unlock()
}

// releaseScript 仅当 token 匹配时删除，避免误删他人续上的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript 仍持有锁时续期
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisTicketLocker is a SET NX PX lock shared by every engine instance
// pointing at the same Redis. While held, the lock is extended every ttl/3
// so long executions keep it.
type RedisTicketLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

func NewRedisTicketLocker(client redis.UniversalClient, ttl time.Duration) *RedisTicketLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisTicketLocker{
		client: client,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		prefix: "servify:automation:ticket-lock:",
	}
}

func (r *RedisTicketLocker) key(ticketID uint) string {
	return fmt.Sprintf("%s%d", r.prefix, ticketID)
}

func (r *RedisTicketLocker) Lock(ctx context.Context, ticketID uint) (func(), error) {
	key := r.key(ticketID)
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire ticket lock %d: %w", ticketID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
		})
	}, nil
}

// keepAlive 定期续期，锁已丢失（token 不匹配）时停止
func (r *RedisTicketLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(refreshInterval(r.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}

func refreshInterval(ttl time.Duration) time.Duration {
	interval := ttl / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}
