package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrJobBusy is returned when a pass of the same job kind is already
// running.
var ErrJobBusy = errors.New("job already running")

// Job kinds.
const (
	JobReadjustment = "readjustment"
	JobNotification = "notification"
)

// Release gives a held lock back.
type Release func(ctx context.Context) error

// JobLock admits one pass per job kind at a time.
//
// TryAcquire never waits: it returns ErrJobBusy when the lock is held.
// ttl bounds how long a lock outlives a crashed holder where the
// implementation supports expiry.
type JobLock interface {
	TryAcquire(ctx context.Context, job string, ttl time.Duration) (Release, error)
}

// LocalLock is an in-process JobLock.
//
// Thread-safety: safe for concurrent use via internal mutex.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLock creates an in-process lock.
func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]bool)}
}

// TryAcquire implements JobLock. ttl is ignored: a process that dies
// takes its locks with it.
func (l *LocalLock) TryAcquire(_ context.Context, job string, _ time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[job] {
		return nil, fmt.Errorf("%s: %w", job, ErrJobBusy)
	}
	l.held[job] = true

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, job)
			l.mu.Unlock()
		})
		return nil
	}, nil
}

// LockStore persists job locks. *store.Store implements it.
type LockStore interface {
	AcquireJobLock(ctx context.Context, job, token string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, job, token string) error
}

// StoreLock is a JobLock kept in the database, shared by every process
// using the same store. It is the default when no Redis is configured.
type StoreLock struct {
	store LockStore
}

// NewStoreLock creates a database-backed lock.
func NewStoreLock(s LockStore) *StoreLock {
	return &StoreLock{store: s}
}

// TryAcquire implements JobLock. A holder that crashed keeps the lock
// until ttl has passed.
func (l *StoreLock) TryAcquire(ctx context.Context, job string, ttl time.Duration) (Release, error) {
	token := uuid.NewString()
	ok, err := l.store.AcquireJobLock(ctx, job, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", job, ErrJobBusy)
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() { err = l.store.ReleaseJobLock(ctx, job, token) })
		return err
	}, nil
}

// releaseScript deletes the key only while it still holds our token, so
// a holder whose lock expired cannot release the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a JobLock shared by every process talking to one Redis,
// for deployments running more than one runner.
type RedisLock struct {
	client *redis.Client
	prefix string
}

// NewRedisLock creates a lock keyed "<prefix>:<job>". An empty prefix
// means "reajuste:lock".
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "reajuste:lock"
	}
	return &RedisLock{client: client, prefix: prefix}
}

func (l *RedisLock) key(job string) string {
	return l.prefix + ":" + job
}

// TryAcquire implements JobLock with SET NX PX.
func (l *RedisLock) TryAcquire(ctx context.Context, job string, ttl time.Duration) (Release, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(job), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s lock: %w", job, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", job, ErrJobBusy)
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key(job)}, token).Err(); err != nil {
			return fmt.Errorf("release %s lock: %w", job, err)
		}
		return nil
	}, nil
}

// ConnectRedis opens a client for addr and pings it.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}
