// Package profilesync keeps user profiles in step with the identity system.
// It consumes user events from a durable queue and acknowledges each one only
// after its effect has been written.
package profilesync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/apperr"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/data"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/messaging"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/metrics"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/queue"
)

// State is the connection state of the consumer.
type State int32

const (
	Disconnected State = iota
	Connecting
	Consuming
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Consuming:
		return "consuming"
	default:
		return "disconnected"
	}
}

// Source is a connected queue. *queue.Stream implements it.
type Source interface {
	Next(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, id string) error
	Reject(ctx context.Context, d *queue.Delivery, reason string) error
	Close() error
}

// Dialer opens a new Source. It is called again after every transport failure.
type Dialer func(ctx context.Context) (Source, error)

// ProfileWriter stores full profile replacements.
type ProfileWriter interface {
	ReplaceUserInfo(ctx context.Context, p data.UserProfile) (*data.UserInfo, error)
}

// Eraser removes a user and all their conversations.
type Eraser interface {
	CascadeEraseUser(ctx context.Context, userID string) (*messaging.EraseReport, error)
}

// Options tunes reconnects and write bounds. Zero values select defaults.
type Options struct {
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
	// OnStateChange is called on every state transition, from the Run goroutine.
	OnStateChange func(State)
}

// Consumer applies user events one at a time.
type Consumer struct {
	dial   Dialer
	users  ProfileWriter
	eraser Eraser
	opts   Options
	state  atomic.Int32
}

// NewConsumer returns a Consumer. Call Run to start it.
func NewConsumer(dial Dialer, users ProfileWriter, eraser Eraser, opts Options) *Consumer {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Consumer{dial: dial, users: users, eraser: eraser, opts: opts}
}

// State returns the current connection state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	metrics.ConsumerState.Set(float64(s))
	log.Debug("profile sync state", "state", s)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Run connects and consumes until ctx is cancelled. Transport failures are
// retried with capped exponential backoff; Run only returns on shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		c.setState(Connecting)
		src, err := c.dial(ctx)
		if err == nil {
			c.setState(Consuming)
			log.Info("profile sync consuming")
			backoff = c.opts.MinBackoff
			err = c.consume(ctx, src)
			_ = src.Close()
		}
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return nil
		}

		metrics.ConsumerReconnects.Inc()
		log.Warn("profile sync queue unavailable, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

// consume processes deliveries until the source fails or ctx ends.
func (c *Consumer) consume(ctx context.Context, src Source) error {
	for {
		d, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if d == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err := c.handle(ctx, src, d); err != nil {
			return err
		}
	}
}

// handle applies one delivery and settles it before returning. Invalid events
// are rejected and storage failures are retried, so only a queue failure or
// shutdown is returned.
func (c *Consumer) handle(ctx context.Context, src Source, d *queue.Delivery) error {
	// Settling must survive shutdown once the write went through.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.WriteTimeout)
	defer cancel()

	env, err := ParseEnvelope(d.Body)
	if err != nil {
		code := apperr.CodeOf(err)
		metrics.SyncEvents.WithLabelValues("invalid", string(code)).Inc()
		log.Error("rejecting sync event", "id", d.ID, "code", code, "err", err)
		return src.Reject(sctx, d, string(code)+": "+err.Error())
	}

	if env.Action == ActionDeleteAll {
		metrics.SyncEvents.WithLabelValues(env.Action, string(apperr.CodeUnsupportedAction)).Inc()
		log.Error("rejecting sync event", "id", d.ID, "action", env.Action, "code", apperr.CodeUnsupportedAction)
		return src.Reject(sctx, d, string(apperr.CodeUnsupportedAction)+": global wipe is not supported")
	}

	// Retry this event until it is applied. Later events for the same user
	// must not overtake it.
	backoff := c.opts.MinBackoff
	for attempt := 1; ; attempt++ {
		err := c.apply(ctx, env)
		if err == nil {
			break
		}
		metrics.SyncEvents.WithLabelValues(env.Action, "failed").Inc()
		log.Error("sync event not applied, retrying", "id", d.ID, "action", env.Action, "attempt", attempt, "redelivered", d.Redelivered, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			// Still pending; it is the first entry read after a restart.
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}

	if err := src.Ack(sctx, d.ID); err != nil {
		return err
	}
	metrics.SyncEvents.WithLabelValues(env.Action, "applied").Inc()
	return nil
}

func (c *Consumer) apply(ctx context.Context, env *Envelope) error {
	switch env.Action {
	case ActionUpdate:
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.WriteTimeout)
		defer cancel()
		p := env.User.Profile()
		if _, err := c.users.ReplaceUserInfo(wctx, p); err != nil {
			return err
		}
		log.Info("user profile synced", "user", p.ID)
		return nil
	case ActionDelete:
		_, err := c.eraser.CascadeEraseUser(ctx, env.UserID)
		return err
	}
	return errors.New("unhandled action " + env.Action)
}
