// queue.go -- Security notices leave the request path through a Redis list.
// Jobs name a client's address, so each one is sealed with the field cipher before it is pushed.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kanzleiportal/authcore/internal/fieldcrypt"
	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list holding sealed jobs, oldest first.
const QueueKey = "authcore:mail:queue"

// DefaultMaxQueueSize bounds the backlog while SMTP is unreachable.
const DefaultMaxQueueSize int64 = 1000

// popTimeout bounds each BLPOP so the worker notices shutdown.
const popTimeout = 2 * time.Second

var ErrQueueFull = errors.New("mail queue full")

// EmailJob is one queued notice.
type EmailJob struct {
	Notice  Notice            `json:"notice"`
	ToEmail string            `json:"to_email"`
	Vars    map[string]string `json:"vars"`
}

// QueuedMailer is a Mailer whose sends only enqueue. StartWorker delivers them through inner.
type QueuedMailer struct {
	inner        Mailer
	rdb          *redis.Client
	cipher       *fieldcrypt.Cipher
	maxQueueSize int64 // <= 0: no cap
}

func NewQueuedMailer(inner Mailer, rdb *redis.Client, cipher *fieldcrypt.Cipher, maxSize int64) *QueuedMailer {
	return &QueuedMailer{inner: inner, rdb: rdb, cipher: cipher, maxQueueSize: maxSize}
}

// pushBounded: KEYS[1] list, ARGV[1] cap (<= 0 disables), ARGV[2] payload. Returns 0 when full.
var pushBounded = redis.NewScript(`
local cap = tonumber(ARGV[1])
if cap > 0 and redis.call('LLEN', KEYS[1]) >= cap then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

func (q *QueuedMailer) SendSecurityNotice(ctx context.Context, toEmail string, notice Notice, vars map[string]string) error {
	if !KnownNotice(notice) {
		return fmt.Errorf("%w: %q", ErrUnknownNotice, notice)
	}
	payload, err := q.sealJob(EmailJob{Notice: notice, ToEmail: toEmail, Vars: vars})
	if err != nil {
		return err
	}
	pushed, err := pushBounded.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, payload).Int64()
	switch {
	case err != nil:
		return fmt.Errorf("enqueuing %s notice: %w", notice, err)
	case pushed == 0:
		return ErrQueueFull
	}
	return nil
}

func (q *QueuedMailer) sealJob(job EmailJob) (string, error) {
	plain, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encoding mail job: %w", err)
	}
	sealed, err := q.cipher.Encrypt(string(plain))
	if err != nil {
		return "", fmt.Errorf("sealing mail job: %w", err)
	}
	return sealed, nil
}

func (q *QueuedMailer) openJob(sealed string) (EmailJob, error) {
	var job EmailJob
	plain, err := q.cipher.Decrypt(sealed)
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal([]byte(plain), &job); err != nil {
		return job, fmt.Errorf("decoding mail job: %w", err)
	}
	return job, nil
}

// StartWorker delivers queued jobs until ctx is done. Run it in its own goroutine.
func (q *QueuedMailer) StartWorker(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := q.rdb.BLPop(ctx, popTimeout, QueueKey).Result()
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			slog.Error("mail worker: pop failed", "err", err)
			continue
		}
		job, err := q.openJob(res[1]) // res[0] is the key
		if err != nil {
			slog.Error("mail worker: dropping unreadable job", "err", err)
			continue
		}
		q.dispatch(ctx, job)
	}
}

// dispatch makes one delivery attempt. Failures are logged, never retried.
func (q *QueuedMailer) dispatch(ctx context.Context, job EmailJob) {
	if !KnownNotice(job.Notice) {
		slog.Error("mail worker: unknown notice", "notice", job.Notice)
		return
	}
	if err := q.inner.SendSecurityNotice(ctx, job.ToEmail, job.Notice, job.Vars); err != nil {
		slog.Error("mail worker: delivery failed", "notice", job.Notice, "err", err)
	}
}
