// Package stream feeds live market data from concurrent producers into a
// simulation engine and fans the processed ticks out to subscribers.
package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradesim/internal/logging"
	"tradesim/internal/models"
	"tradesim/internal/queue"
)

// Sink receives the serialized feed. *broker.Engine satisfies it.
type Sink interface {
	ProcessTick(ctx context.Context, tick models.Tick) error
	ProcessPeriod(ctx context.Context, period models.Period) error
}

// HubConfig holds configuration for the Stream Hub.
type HubConfig struct {
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
	// DrainTimeout bounds how long Stop waits for queued items.
	DrainTimeout time.Duration
	// SlowConsumerDropThreshold is the number of consecutive drops before logging.
	SlowConsumerDropThreshold int
	Logger                    zerolog.Logger
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SubscriberBufferSize:      100,
		DrainTimeout:              5 * time.Second,
		SlowConsumerDropThreshold: 10,
		Logger:                    zerolog.Nop(),
	}
}

// feedItem is a tick or a closed period, kept in arrival order.
type feedItem struct {
	tick   *models.Tick
	period *models.Period
}

type periodKey struct {
	symbol    string
	timeframe models.Timeframe
}

// Hub serializes ticks and periods from any goroutine into a Sink.
//
// Ticks and closed periods share one append queue so their relative order
// is kept. In-progress period updates go to a replace-pending queue per
// symbol and timeframe: while the sink is busy only the newest update of a
// bar survives. Every call into the sink holds sinkMu.
type Hub struct {
	config HubConfig
	sink   Sink
	logger zerolog.Logger

	sinkMu     sync.Mutex
	closedEnds map[periodKey]time.Time

	mu        sync.RWMutex
	started   bool
	feed      *queue.Queue[feedItem]
	updates   map[periodKey]*queue.Queue[models.Period]
	ctx       context.Context
	subs      map[string][]*Subscriber
	consumers []Consumer

	metricsMu       sync.Mutex
	ticksReceived   uint64
	ticksProcessed  uint64
	periodsReceived uint64
	ticksBroadcast  uint64
	dropped         uint64
	stale           uint64
}

// Subscriber represents a channel subscriber with metadata.
type Subscriber struct {
	ID           string
	Channel      chan models.Tick
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a hub with the default configuration.
func NewHub(sink Sink) *Hub {
	return NewHubWithConfig(sink, DefaultHubConfig())
}

// NewHubWithConfig creates a hub with a custom configuration.
func NewHubWithConfig(sink Sink, config HubConfig) *Hub {
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = DefaultHubConfig().SubscriberBufferSize
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultHubConfig().DrainTimeout
	}
	return &Hub{
		config:     config,
		sink:       sink,
		logger:     logging.WithOperation(config.Logger, "stream"),
		closedEnds: make(map[periodKey]time.Time),
		updates:    make(map[periodKey]*queue.Queue[models.Period]),
		subs:       make(map[string][]*Subscriber),
	}
}

// Start opens the hub for publishing. Workers run with ctx.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	h.ctx = ctx
	h.feed = queue.New(h.processFeed,
		queue.WithPolicy(queue.Append),
		queue.WithContext(ctx),
		queue.WithLogger(h.logger))
	h.logger.Info().Msg("Stream hub started")
}

// Stop waits up to DrainTimeout for queued items, then closes the queues
// and every subscriber channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	feed, updates := h.feed, h.updateQueues()
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.DrainTimeout)
	defer cancel()
	if err := waitAll(ctx, feed, updates); err != nil {
		h.logger.Warn().Err(err).Msg("Stream hub stopped before draining")
	}
	feed.Close()
	for _, q := range updates {
		q.Close()
	}

	h.mu.Lock()
	h.updates = make(map[periodKey]*queue.Queue[models.Period])
	for symbol, subs := range h.subs {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subs, symbol)
	}
	h.mu.Unlock()
	h.logger.Info().Msg("Stream hub stopped")
}

// Wait blocks until every queued item has been processed.
func (h *Hub) Wait(ctx context.Context) error {
	h.mu.RLock()
	feed, updates := h.feed, h.updateQueues()
	h.mu.RUnlock()
	if feed == nil {
		return nil
	}
	return waitAll(ctx, feed, updates)
}

func waitAll(ctx context.Context, feed *queue.Queue[feedItem], updates []*queue.Queue[models.Period]) error {
	// Tick processing never enqueues updates, so one pass settles both.
	if err := feed.Wait(ctx); err != nil {
		return err
	}
	for _, q := range updates {
		if err := q.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) updateQueues() []*queue.Queue[models.Period] {
	keys := make([]periodKey, 0, len(h.updates))
	for k := range h.updates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].symbol != keys[j].symbol {
			return keys[i].symbol < keys[j].symbol
		}
		return keys[i].timeframe < keys[j].timeframe
	})
	queues := make([]*queue.Queue[models.Period], len(keys))
	for i, k := range keys {
		queues[i] = h.updates[k]
	}
	return queues
}

// Publish queues a tick without blocking. It returns false when the hub is
// not running.
func (h *Hub) Publish(tick models.Tick) bool {
	h.mu.RLock()
	feed := h.feed
	started := h.started
	h.mu.RUnlock()

	h.metricsMu.Lock()
	h.ticksReceived++
	h.metricsMu.Unlock()

	if !started || !feed.Enqueue(feedItem{tick: &tick}) {
		h.countDrop()
		return false
	}
	return true
}

// PublishPeriod queues a period without blocking. Closed periods keep their
// order relative to ticks; in-progress updates may be superseded.
func (h *Hub) PublishPeriod(period models.Period) bool {
	h.metricsMu.Lock()
	h.periodsReceived++
	h.metricsMu.Unlock()

	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		h.countDrop()
		return false
	}
	if period.Closed() {
		feed := h.feed
		h.mu.Unlock()
		if !feed.Enqueue(feedItem{period: &period}) {
			h.countDrop()
			return false
		}
		return true
	}

	key := periodKey{symbol: period.Symbol, timeframe: period.Timeframe}
	q, ok := h.updates[key]
	if !ok {
		q = queue.New(h.processUpdate,
			queue.WithPolicy(queue.ReplacePending),
			queue.WithContext(h.ctx),
			queue.WithLogger(h.logger.With().Str("symbol", key.symbol).Logger()))
		h.updates[key] = q
	}
	h.mu.Unlock()

	if !q.Enqueue(period) {
		h.countDrop()
		return false
	}
	return true
}

// Do runs fn while holding the sink lock, so fn may safely use the engine
// behind the sink. It must not be called from engine listeners.
func (h *Hub) Do(fn func()) {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	fn()
}

func (h *Hub) processFeed(ctx context.Context, item feedItem) error {
	if item.tick != nil {
		h.sinkMu.Lock()
		err := h.sink.ProcessTick(ctx, *item.tick)
		h.sinkMu.Unlock()
		if err != nil {
			return err
		}
		h.metricsMu.Lock()
		h.ticksProcessed++
		h.metricsMu.Unlock()
		h.broadcast(*item.tick)
		return nil
	}

	p := *item.period
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	key := periodKey{symbol: p.Symbol, timeframe: p.Timeframe}
	if end := p.EndDate(); end.After(h.closedEnds[key]) {
		h.closedEnds[key] = end
	}
	return h.sink.ProcessPeriod(ctx, p)
}

func (h *Hub) processUpdate(ctx context.Context, p models.Period) error {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()

	key := periodKey{symbol: p.Symbol, timeframe: p.Timeframe}
	if !p.EndDate().After(h.closedEnds[key]) {
		h.metricsMu.Lock()
		h.stale++
		h.metricsMu.Unlock()
		return nil
	}
	return h.sink.ProcessPeriod(ctx, p)
}

func (h *Hub) countDrop() {
	h.metricsMu.Lock()
	h.dropped++
	h.metricsMu.Unlock()
}

// Subscribe adds a subscriber for a symbol and returns a channel that
// receives each tick of that symbol after the sink processed it.
func (h *Hub) Subscribe(symbol string) <-chan models.Tick {
	return h.SubscribeWithID(symbol, "")
}

// SubscribeWithID adds a subscriber with a specific ID for a symbol.
func (h *Hub) SubscribeWithID(symbol, id string) <-chan models.Tick {
	ch := make(chan models.Tick, h.config.SubscriberBufferSize)
	sub := &Subscriber{
		ID:        id,
		Channel:   ch,
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	h.subs[symbol] = append(h.subs[symbol], sub)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(symbol string, ch <-chan models.Tick) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[symbol]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subs[symbol] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[symbol]) == 0 {
		delete(h.subs, symbol)
	}
}

// broadcast sends a tick to all subscribers of that symbol and to the
// registered consumers. Slow subscribers lose ticks instead of blocking.
func (h *Hub) broadcast(tick models.Tick) {
	h.mu.RLock()
	for _, sub := range h.subs[tick.Symbol] {
		select {
		case sub.Channel <- tick:
			sub.DroppedCount = 0
			h.metricsMu.Lock()
			h.ticksBroadcast++
			h.metricsMu.Unlock()
		default:
			sub.DroppedCount++
			h.countDrop()
			if sub.DroppedCount == h.config.SlowConsumerDropThreshold {
				h.logger.Warn().Str("symbol", tick.Symbol).Str("subscriber", sub.ID).Msg("Slow subscriber is dropping ticks")
			}
		}
	}

	consumers := append([]Consumer(nil), h.consumers...)
	h.mu.RUnlock()

	for _, c := range consumers {
		if symbols := c.Symbols(); len(symbols) == 0 || containsSymbol(symbols, tick.Symbol) {
			c.OnTick(tick)
		}
	}
}

// Consumer processes ticks synchronously after the sink.
type Consumer interface {
	OnTick(tick models.Tick)
	// Symbols filters the ticks delivered. Empty means all symbols.
	Symbols() []string
}

// RegisterConsumer adds a consumer.
func (h *Hub) RegisterConsumer(consumer Consumer) {
	h.mu.Lock()
	h.consumers = append(h.consumers, consumer)
	h.mu.Unlock()
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	TicksReceived   uint64
	TicksProcessed  uint64
	TicksBroadcast  uint64
	PeriodsReceived uint64
	// UpdatesReplaced counts in-progress period updates superseded while queued.
	UpdatesReplaced uint64
	// StaleUpdates counts updates dropped because their bar had already closed.
	StaleUpdates uint64
	Dropped      uint64
	Failed       uint64
	Subscribers  int
}

// GetMetrics returns hub metrics.
func (h *Hub) GetMetrics() HubMetrics {
	h.mu.RLock()
	var m HubMetrics
	if h.feed != nil {
		m.Failed = h.feed.Stats().Failed
	}
	for _, q := range h.updates {
		s := q.Stats()
		m.UpdatesReplaced += s.Replaced
		m.Failed += s.Failed
	}
	for _, subs := range h.subs {
		m.Subscribers += len(subs)
	}
	h.mu.RUnlock()

	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	m.TicksReceived = h.ticksReceived
	m.TicksProcessed = h.ticksProcessed
	m.TicksBroadcast = h.ticksBroadcast
	m.PeriodsReceived = h.periodsReceived
	m.StaleUpdates = h.stale
	m.Dropped = h.dropped
	return m
}

// IsStarted returns whether the hub is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// PumpTicks publishes ticks in order, spacing them by their date gaps
// divided by speed. A speed of zero or less publishes without pacing.
func PumpTicks(ctx context.Context, h *Hub, ticks []models.Tick, speed float64) error {
	for i, tick := range ticks {
		if speed > 0 && i > 0 {
			gap := time.Duration(float64(tick.Date.Sub(ticks[i-1].Date)) / speed)
			if gap > 0 {
				timer := time.NewTimer(gap)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		h.Publish(tick)
	}
	return nil
}
