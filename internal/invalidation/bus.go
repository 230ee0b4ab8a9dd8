// Package invalidation subscribes to Postgres LISTEN/NOTIFY channels so the
// package cache, isolate pool, and gateway routing table learn about
// metadata changes without polling. Two channels are used:
// gateway_invalidated (routing/auth changes) and execution_cache_invalidated
// (function environment variables and network policy rule changes).
package invalidation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is a single invalidation signal. Key is the debounce key derived
// from the NOTIFY payload; Channel identifies which listener produced it.
type Event struct {
	Channel string
	Key     string
}

// Handler is invoked once per debounced key, or with an empty Key on a
// full-refresh signal (emitted after every reconnect, since NOTIFYs sent
// while disconnected are lost).
type Handler func(Event)

// Bus listens on one or more Postgres channels and delivers debounced
// invalidation events to a registered handler per channel.
type Bus struct {
	pool       *pgxpool.Pool
	debounce   time.Duration
	logger     *slog.Logger
	reconnect  time.Duration

	mu       sync.Mutex
	pending  map[string]map[string]*time.Timer // channel -> key -> pending timer
	handlers map[string]Handler
}

// New creates a Bus bound to the given pool. Call Listen for each channel
// before calling Run.
func New(pool *pgxpool.Pool, debounce time.Duration, reconnectBackoff time.Duration, logger *slog.Logger) *Bus {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	if reconnectBackoff <= 0 {
		reconnectBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		pool:      pool,
		debounce:  debounce,
		reconnect: reconnectBackoff,
		logger:    logger,
		pending:   make(map[string]map[string]*time.Timer),
		handlers:  make(map[string]Handler),
	}
}

// Listen registers a handler for a channel. Must be called before Run.
func (b *Bus) Listen(channel string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = handler
	b.pending[channel] = make(map[string]*time.Timer)
}

// Run blocks, maintaining a dedicated LISTEN connection per registered
// channel and reconnecting with exponential backoff on failure. Each
// successful (re)connect triggers a full-refresh event (empty Key) on that
// channel's handler, since notifications sent during a disconnect window
// are not redelivered by Postgres.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			b.listenLoop(ctx, channel)
		}(ch)
	}
	wg.Wait()
	return ctx.Err()
}

// maxReconnectBackoff caps the doubling delay between LISTEN reconnects.
const maxReconnectBackoff = 30 * time.Second

func (b *Bus) listenLoop(ctx context.Context, channel string) {
	delay := b.reconnect

	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.listenOnce(ctx, channel); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("invalidation listener disconnected, retrying", "channel", channel, "error", err, "backoff", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectBackoff {
				delay = maxReconnectBackoff
			}
			continue
		}
		delay = b.reconnect
	}
}

func (b *Bus) listenOnce(ctx context.Context, channel string) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgIdent(channel)); err != nil {
		return err
	}

	b.dispatch(channel, Event{Channel: channel, Key: ""})

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		b.dispatch(channel, Event{Channel: channel, Key: notification.Payload})
	}
}

// dispatch debounces repeated keys within the configured window before
// invoking the handler, collapsing bursts of writes to the same entity
// into a single cache refresh.
func (b *Bus) dispatch(channel string, ev Event) {
	handler, ok := b.handlerFor(channel)
	if !ok {
		return
	}

	if ev.Key == "" {
		handler(ev)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	keyTimers := b.pending[channel]
	if existing, ok := keyTimers[ev.Key]; ok {
		existing.Stop()
	}
	keyTimers[ev.Key] = time.AfterFunc(b.debounce, func() {
		handler(ev)
		b.mu.Lock()
		delete(keyTimers, ev.Key)
		b.mu.Unlock()
	})
}

func (b *Bus) handlerFor(channel string) (Handler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handlers[channel]
	return h, ok
}

// pgIdent quotes a channel name as a Postgres identifier. Channel names in
// this package are fixed constants, never user input.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Keys for the debounce namespace, matching the trigger payload format
// emitted by internal/store's NOTIFY triggers.
const (
	EnvVarKeyPrefix  = "envvars:"
	NetPolKeyPrefix  = "netpol:"
	NetPolGlobalKey  = "netpol:global"
	FunctionKeyPrefix = "function:"
)

// EnvVarKey derives the debounce key for a function's environment variable
// change.
func EnvVarKey(functionID string) string { return EnvVarKeyPrefix + functionID }

// FunctionKey derives the debounce key for a function row or active-version
// change (covers both the functions and function_versions tables).
func FunctionKey(functionID string) string { return FunctionKeyPrefix + functionID }

// NetPolKey derives the debounce key for a project's network policy rule
// change, or the global key when projectID is empty.
func NetPolKey(projectID string) string {
	if projectID == "" {
		return NetPolGlobalKey
	}
	return NetPolKeyPrefix + projectID
}
