package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

type heartbeater interface {
	Heartbeat(ctx context.Context, taskID string, ownerID string) (bool, error)
	TTL() time.Duration
}

// Keeper refreshes a held lock on its own timer until stopped. It shares
// nothing with the cycle but the task and owner ids.
type Keeper struct {
	m        heartbeater
	taskID   string
	ownerID  string
	interval time.Duration
	onLost   func(error)

	lost   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartKeeper launches the heartbeat goroutine. onLost, when set, is called
// once if ownership is lost or heartbeats keep failing for a full TTL.
func StartKeeper(ctx context.Context, m heartbeater, taskID string, ownerID string, interval time.Duration, onLost func(error)) *Keeper {
	if interval <= 0 || interval >= m.TTL() {
		interval = m.TTL() / 3
	}
	ctx, cancel := context.WithCancel(ctx)
	k := &Keeper{
		m:        m,
		taskID:   taskID,
		ownerID:  ownerID,
		interval: interval,
		onLost:   onLost,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go k.run(ctx)
	return k
}

func (k *Keeper) run(ctx context.Context) {
	defer close(k.done)
	l := ctxzap.Extract(ctx).With(zap.String("task_id", k.taskID), zap.String("owner_id", k.ownerID))

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	lastBeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			ok, err := k.m.Heartbeat(ctx, k.taskID, k.ownerID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.Warn("error sending lock heartbeat", zap.Error(err))
				if time.Since(lastBeat) >= k.m.TTL() {
					k.markLost(l, err)
					return
				}
				continue
			}
			if !ok {
				k.markLost(l, ErrLockLost)
				return
			}
			lastBeat = time.Now()
			l.Debug("lock heartbeat successful")
		}
	}
}

func (k *Keeper) markLost(l *zap.Logger, err error) {
	k.lost.Store(true)
	l.Error("lock ownership lost", zap.Error(err))
	if k.onLost != nil {
		k.onLost(err)
	}
}

// Lost reports whether the keeper observed the lock slipping away.
func (k *Keeper) Lost() bool {
	return k.lost.Load()
}

// Stop ends the heartbeat loop and waits for it to exit.
func (k *Keeper) Stop() {
	k.once.Do(func() {
		k.cancel()
		<-k.done
	})
}
