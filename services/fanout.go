package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

const userChannelPrefix = "fanout:user:"

type fanoutJob struct {
	userID string
	event  models.Event
}

// Fanout delivers events to all sessions of a user across server instances
// via the shared store's pub/sub. Delivery is best effort, at least once:
// a full queue drops the event, one recipient's failure never aborts the
// rest, and a degraded store falls back to instance-local delivery until
// it recovers.
type Fanout struct {
	redis    *redis.Client
	registry *Registry
	logger   *utils.Logger

	queue  chan fanoutJob
	pubsub *redis.PubSub

	mu   sync.Mutex
	refs map[string]int

	degraded atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	workers  int
}

func NewFanout(redisClient *redis.Client, registry *Registry, logger *utils.Logger, workers, queueSize int) *Fanout {
	ctx, cancel := context.WithCancel(context.Background())
	return &Fanout{
		redis:    redisClient,
		registry: registry,
		logger:   logger,
		queue:    make(chan fanoutJob, queueSize),
		refs:     make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
		workers:  workers,
	}
}

// Start launches the worker pool and the pub/sub receive loop
func (f *Fanout) Start() {
	f.pubsub = f.redis.Subscribe(f.ctx)

	f.wg.Add(1)
	go f.receiveLoop()

	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}

	f.logger.Info("Fan-out layer started", "workers", f.workers)
}

// Stop drains the workers and closes the subscription
func (f *Fanout) Stop() {
	f.cancel()
	if f.pubsub != nil {
		_ = f.pubsub.Close()
	}
	f.wg.Wait()
}

// JoinGroup subscribes this instance to the user's broadcast channel. The
// subscription is refcounted across the user's local sessions.
func (f *Fanout) JoinGroup(userID string) {
	f.mu.Lock()
	f.refs[userID]++
	first := f.refs[userID] == 1
	f.mu.Unlock()

	if !first || f.pubsub == nil {
		return
	}
	if err := f.pubsub.Subscribe(f.ctx, userChannelPrefix+userID); err != nil {
		f.degraded.Store(true)
		f.logger.Warn("Failed to join broadcast group", "user_id", userID, "error", err)
	}
}

// LeaveGroup drops the subscription once the user's last local session left
func (f *Fanout) LeaveGroup(userID string) {
	f.mu.Lock()
	if f.refs[userID] > 0 {
		f.refs[userID]--
	}
	last := f.refs[userID] == 0
	if last {
		delete(f.refs, userID)
	}
	f.mu.Unlock()

	if !last || f.pubsub == nil {
		return
	}
	if err := f.pubsub.Unsubscribe(f.ctx, userChannelPrefix+userID); err != nil {
		f.logger.Debug("Failed to leave broadcast group", "user_id", userID, "error", err)
	}
}

// Publish queues an event for every session of the user, across instances.
// Fire and forget: a full queue drops the event and logs.
func (f *Fanout) Publish(userID string, event models.Event) {
	select {
	case f.queue <- fanoutJob{userID: userID, event: event}:
	default:
		f.logger.Warn("Fan-out queue full, dropping event", "user_id", userID, "type", event.Type)
	}
}

// Degraded reports whether the layer is operating instance-local only
func (f *Fanout) Degraded() bool {
	return f.degraded.Load()
}

func (f *Fanout) worker() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case job := <-f.queue:
			f.dispatch(job)
		}
	}
}

// dispatch publishes via the shared store so all instances (this one
// included) deliver through their subscriptions. If the store is down the
// event is delivered to local sessions only.
func (f *Fanout) dispatch(job fanoutJob) {
	if f.degraded.Load() {
		if err := f.redis.Ping(f.ctx).Err(); err != nil {
			f.deliverLocal(job.userID, job.event)
			return
		}
		f.degraded.Store(false)
		f.logger.Info("Shared store recovered, resuming distributed fan-out")
	}

	data, err := json.Marshal(job.event)
	if err != nil {
		f.logger.Error("Failed to marshal fan-out event", "type", job.event.Type, "error", err)
		return
	}

	if err := f.redis.Publish(f.ctx, userChannelPrefix+job.userID, data).Err(); err != nil {
		f.degraded.Store(true)
		f.logger.Warn("Publish failed, delivering instance-local only", "user_id", job.userID, "error", err)
		f.deliverLocal(job.userID, job.event)
	}
}

func (f *Fanout) receiveLoop() {
	defer f.wg.Done()

	ch := f.pubsub.Channel()
	for {
		select {
		case <-f.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID := strings.TrimPrefix(msg.Channel, userChannelPrefix)

			var event models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				f.logger.Warn("Corrupt fan-out payload", "channel", msg.Channel, "error", err)
				continue
			}
			f.deliverLocal(userID, event)
		}
	}
}

// deliverLocal sends to each of the user's sessions on this instance.
// Partial delivery failures are logged and never surfaced to the sender.
func (f *Fanout) deliverLocal(userID string, event models.Event) {
	for _, conn := range f.registry.ConnsFor(userID) {
		if !conn.Alive() {
			continue
		}
		if err := conn.Send(event); err != nil {
			f.logger.Debug("Fan-out delivery failed", "user_id", userID, "type", event.Type, "error", err)
		}
	}
}
