package syncqueue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Sender 负责把一条条目重放到源站，返回 nil 代表源站已确认接收。
type Sender interface {
	Send(ctx context.Context, item Item) error
}

// SenderFunc 让普通函数满足 Sender。
type SenderFunc func(ctx context.Context, item Item) error

// Send 调用 f。
func (f SenderFunc) Send(ctx context.Context, item Item) error {
	return f(ctx, item)
}

// RetryPolicy 约束单个条目的重放次数。
type RetryPolicy struct {
	// MaxAttempts 是条目跨多次 drain 的累计尝试上限，达到后标记为 dead。
	MaxAttempts int
	// RetriesPerDrain 是单次 drain 内失败后的额外重试次数。
	RetriesPerDrain int
	InitialBackoff  time.Duration
}

// DrainReport 汇总一次 drain 的结果。
type DrainReport struct {
	Tag    string `json:"tag"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
	Dead   int    `json:"dead"`
}

// Drainer 逐条重放某个标签的待处理条目，单条失败不会阻塞其他条目。
type Drainer struct {
	store  *Store
	policy RetryPolicy
	logger *logrus.Logger
}

// NewDrainer 构造 Drainer。
func NewDrainer(store *Store, policy RetryPolicy, logger *logrus.Logger) *Drainer {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.RetriesPerDrain < 0 {
		policy.RetriesPerDrain = 0
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Drainer{store: store, policy: policy, logger: logger}
}

// Store 返回底层队列。
func (d *Drainer) Store() *Store {
	return d.store
}

// Drain 重放 tag 下所有 pending 条目。只有读取队列失败才返回 error。
func (d *Drainer) Drain(ctx context.Context, tag string, sender Sender) (DrainReport, error) {
	report := DrainReport{Tag: tag}
	items, err := d.store.Pending(ctx, tag)
	if err != nil {
		return report, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome := d.drainItem(ctx, item, sender)
		switch outcome {
		case outcomeSent:
			report.Sent++
		case outcomeDead:
			report.Dead++
		default:
			report.Failed++
		}
		syncItems.WithLabelValues(tag, outcome).Inc()
	}
	return report, nil
}

const (
	outcomeSent   = "sent"
	outcomeFailed = "failed"
	outcomeDead   = "dead"
)

func (d *Drainer) drainItem(ctx context.Context, item Item, sender Sender) string {
	remaining := d.policy.MaxAttempts - item.Attempts
	if remaining <= 0 {
		if err := d.store.RecordFailure(ctx, item.ID, 0, item.LastError, true); err != nil {
			d.logger.WithFields(logrus.Fields{
				"action":   "sync",
				"sync_tag": item.Tag,
				"item_id":  item.ID,
				"attempts": item.Attempts,
			}).WithError(err).Warn("sync_record_failed")
		}
		return outcomeDead
	}
	retries := d.policy.RetriesPerDrain
	if retries > remaining-1 {
		retries = remaining - 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.policy.InitialBackoff
	policy.MaxElapsedTime = 0

	attempts := 0
	sendErr := backoff.Retry(func() error {
		attempts++
		return sender.Send(ctx, item)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))

	entry := d.logger.WithFields(logrus.Fields{
		"action":   "sync",
		"sync_tag": item.Tag,
		"item_id":  item.ID,
		"attempts": item.Attempts + attempts,
	})

	if sendErr == nil {
		if err := d.store.Remove(ctx, item.ID); err != nil {
			entry.WithError(err).Warn("sync_remove_failed")
		}
		entry.Info("sync_item_sent")
		return outcomeSent
	}

	dead := item.Attempts+attempts >= d.policy.MaxAttempts
	if err := d.store.RecordFailure(ctx, item.ID, attempts, sendErr.Error(), dead); err != nil {
		entry.WithError(err).Warn("sync_record_failed")
	}
	if dead {
		entry.WithError(sendErr).Warn("sync_item_dead")
		return outcomeDead
	}
	entry.WithError(sendErr).Info("sync_item_retry_later")
	return outcomeFailed
}
