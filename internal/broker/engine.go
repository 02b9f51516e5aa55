package broker

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/events"
	"tradesim/internal/logging"
	"tradesim/internal/models"
)

// EngineConfig holds configuration for the simulation engine.
type EngineConfig struct {
	LocalDate            time.Time
	WaitFeedConfirmation bool
	Commission           CommissionCustomizer
	Latency              LatencyCustomizer
	Logger               zerolog.Logger
	// IDGenerator defaults to random UUIDs.
	IDGenerator func() string
}

// ElapsedEvents lists the feed events dispatched by one time advance.
type ElapsedEvents struct {
	Ticks   []models.Tick
	Periods []models.Period
}

type periodKey struct {
	symbol    string
	timeframe models.Timeframe
}

// Engine replays recorded ticks and periods against the orders and
// positions of its accounts on a virtual clock.
//
// The engine is not safe for concurrent use. Listeners run synchronously on
// the goroutine driving the engine and may call back into it.
type Engine struct {
	localDate time.Time

	symbolOrder   []string
	ticks         map[string][]models.Tick
	tickCursors   map[string]int
	periods       map[periodKey][]models.Period
	periodOrder   []periodKey
	periodCursors map[periodKey]int
	lastTicks     map[string]models.Tick

	accounts     map[string]*PaperAccount
	accountOrder []*PaperAccount
	orders       map[string]*models.Order
	orderSeq     []*models.Order
	positions    map[string]*models.Position
	positionSeq  []*models.Position
	trades       []*models.Trade
	closing      map[string]bool

	bus      *events.Bus
	dispatch *dispatchTable

	waitFeed bool
	feedAck  chan struct{}
	depth    int

	commission CommissionCustomizer
	latency    LatencyCustomizer
	newID      func() string
	logger     zerolog.Logger
}

// NewEngine creates a simulation engine.
func NewEngine(cfg EngineConfig) *Engine {
	newID := cfg.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	logger := logging.WithOperation(cfg.Logger, "engine")
	bus := events.NewBus(events.WithLogger(logger))

	return &Engine{
		localDate:     cfg.LocalDate,
		ticks:         make(map[string][]models.Tick),
		tickCursors:   make(map[string]int),
		periods:       make(map[periodKey][]models.Period),
		periodCursors: make(map[periodKey]int),
		lastTicks:     make(map[string]models.Tick),
		accounts:      make(map[string]*PaperAccount),
		orders:        make(map[string]*models.Order),
		positions:     make(map[string]*models.Position),
		closing:       make(map[string]bool),
		bus:           bus,
		dispatch:      newDispatchTable(bus, logger),
		waitFeed:      cfg.WaitFeedConfirmation,
		feedAck:       make(chan struct{}, 1),
		commission:    cfg.Commission,
		latency:       cfg.Latency,
		newID:         newID,
		logger:        logger,
	}
}

// LocalDate returns the virtual clock.
func (e *Engine) LocalDate() time.Time {
	return e.localDate
}

// SetLocalDate moves the virtual clock and resets the replay cursors, so the
// next advance rescans every history from its start.
func (e *Engine) SetLocalDate(date time.Time) {
	e.localDate = date
	e.tickCursors = make(map[string]int)
	e.periodCursors = make(map[periodKey]int)
	e.lastTicks = make(map[string]models.Tick)
}

// SetCommissionCustomizer replaces the commission hook. Nil charges nothing.
func (e *Engine) SetCommissionCustomizer(c CommissionCustomizer) {
	e.commission = c
}

// SetLatencyCustomizer replaces the latency hook. Nil disables latency.
func (e *Engine) SetLatencyCustomizer(l LatencyCustomizer) {
	e.latency = l
}

// SetWaitFeedConfirmation toggles lock-step dispatch. Stale acknowledgments
// are discarded.
func (e *Engine) SetWaitFeedConfirmation(wait bool) {
	e.waitFeed = wait
	select {
	case <-e.feedAck:
	default:
	}
}

// WaitFeedConfirmation reports whether lock-step dispatch is enabled.
func (e *Engine) WaitFeedConfirmation() bool {
	return e.waitFeed
}

// NextFeed acknowledges the last dispatched feed event. It never blocks and
// may be called from any goroutine.
func (e *Engine) NextFeed() {
	select {
	case e.feedAck <- struct{}{}:
	default:
	}
}

// awaitFeed parks after a feed event until NextFeed is called. Nested
// dispatch, such as latency elapsing inside a listener, does not park.
func (e *Engine) awaitFeed(ctx context.Context) error {
	if !e.waitFeed || e.depth > 1 {
		return nil
	}
	select {
	case <-e.feedAck:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On subscribes to an engine event.
func (e *Engine) On(eventType string, listener events.Listener) string {
	return e.bus.Subscribe(eventType, listener)
}

// Handle subscribes a handler to an engine event. Its errors are logged.
func (e *Engine) Handle(eventType string, handler events.Handler) string {
	return e.bus.Handle(eventType, handler)
}

// Once subscribes to the next engine event of a type.
func (e *Engine) Once(eventType string, listener events.Listener) string {
	return e.bus.SubscribeOnce(eventType, listener)
}

// Unsubscribe removes an engine subscription.
func (e *Engine) Unsubscribe(id string) bool {
	return e.bus.Unsubscribe(id)
}

func (e *Engine) registerSymbol(symbol string) {
	if _, ok := e.ticks[symbol]; ok {
		return
	}
	e.ticks[symbol] = nil
	e.symbolOrder = append(e.symbolOrder, symbol)
}

// AddSymbolTicks merges ticks into the history of symbol.
func (e *Engine) AddSymbolTicks(symbol string, ticks []models.Tick) {
	e.registerSymbol(symbol)
	merged := append(append([]models.Tick(nil), e.ticks[symbol]...), ticks...)
	for i := range merged {
		merged[i].Symbol = symbol
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Date.Before(merged[j].Date)
	})
	e.ticks[symbol] = merged
	e.tickCursors[symbol] = -1
}

// AddSymbolPeriods merges periods into the history of symbol, grouped by timeframe.
func (e *Engine) AddSymbolPeriods(symbol string, periods []models.Period) {
	e.registerSymbol(symbol)
	for _, p := range periods {
		p.Symbol = symbol
		key := periodKey{symbol: symbol, timeframe: p.Timeframe}
		if _, ok := e.periods[key]; !ok {
			e.periodOrder = append(e.periodOrder, key)
		}
		e.periods[key] = append(e.periods[key], p)
	}
	for _, key := range e.periodOrder {
		if key.symbol != symbol {
			continue
		}
		history := e.periods[key]
		sort.SliceStable(history, func(i, j int) bool {
			return history[i].StartDate.Before(history[j].StartDate)
		})
		e.periodCursors[key] = -1
	}
}

// Symbols returns the symbols with feed history, in registration order.
func (e *Engine) Symbols() []string {
	return append([]string(nil), e.symbolOrder...)
}

// GetSymbolTicks returns the full tick history of symbol.
func (e *Engine) GetSymbolTicks(symbol string) []models.Tick {
	return e.ticks[symbol]
}

// GetSymbolPeriods returns the periods of symbol ended by the virtual clock.
func (e *Engine) GetSymbolPeriods(symbol string, timeframe models.Timeframe) []models.Period {
	var ended []models.Period
	for _, p := range e.periods[periodKey{symbol: symbol, timeframe: timeframe}] {
		if !p.EndDate().After(e.localDate) {
			ended = append(ended, p)
		}
	}
	return ended
}

func cursor(cursors map[string]int, symbol string) int {
	if c, ok := cursors[symbol]; ok {
		return c
	}
	return -1
}

func (e *Engine) periodCursor(key periodKey) int {
	if c, ok := e.periodCursors[key]; ok {
		return c
	}
	return -1
}

// ElapseTime advances the virtual clock by d, dispatching every tick and
// every period end in (localDate, localDate+d] exactly once.
func (e *Engine) ElapseTime(ctx context.Context, d time.Duration) (ElapsedEvents, error) {
	var elapsed ElapsedEvents
	if d <= 0 {
		return elapsed, nil
	}
	if err := ctx.Err(); err != nil {
		return elapsed, err
	}

	e.depth++
	defer func() { e.depth-- }()

	previous := e.localDate
	target := previous.Add(d)

	var ticks []tickRef
	for _, symbol := range e.symbolOrder {
		history := e.ticks[symbol]
		for i := cursor(e.tickCursors, symbol) + 1; i < len(history); i++ {
			date := history[i].Date
			if date.After(target) {
				break
			}
			if date.After(previous) {
				ticks = append(ticks, tickRef{symbol: symbol, index: i, tick: history[i]})
			}
		}
	}

	var periods []periodRef
	for _, key := range e.periodOrder {
		history := e.periods[key]
		for i := e.periodCursor(key) + 1; i < len(history); i++ {
			end := history[i].EndDate()
			if end.After(target) {
				break
			}
			if end.After(previous) {
				periods = append(periods, periodRef{key: key, index: i, period: history[i]})
			}
		}
	}

	logging.LogElapse(e.logger, previous, target, len(ticks), len(periods))

	var err error
	if elapsed.Ticks, err = e.processTicks(ctx, ticks); err != nil {
		return elapsed, err
	}
	if elapsed.Periods, err = e.processPeriods(ctx, periods); err != nil {
		return elapsed, err
	}

	if target.After(e.localDate) {
		e.localDate = target
	}
	return elapsed, nil
}

// ElapseTicks dispatches the next n ticks of every symbol regardless of
// their dates. Period cursors are untouched.
func (e *Engine) ElapseTicks(ctx context.Context, n int) ([]models.Tick, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.depth++
	defer func() { e.depth-- }()

	var refs []tickRef
	for _, symbol := range e.symbolOrder {
		history := e.ticks[symbol]
		last := cursor(e.tickCursors, symbol)
		for j := 1; j <= n && last+j < len(history); j++ {
			refs = append(refs, tickRef{symbol: symbol, index: last + j, tick: history[last+j]})
		}
	}

	return e.processTicks(ctx, refs)
}

// ProcessTick appends a live tick to the history of its symbol and
// dispatches it immediately. Ticks older than the latest known one are dropped.
func (e *Engine) ProcessTick(ctx context.Context, tick models.Tick) error {
	e.registerSymbol(tick.Symbol)
	ticks := e.ticks[tick.Symbol]
	if n := len(ticks); n > 0 && tick.Date.Before(ticks[n-1].Date) {
		e.logger.Warn().
			Str("symbol", tick.Symbol).
			Time("date", tick.Date).
			Msg("Dropping out-of-order tick")
		return nil
	}
	e.ticks[tick.Symbol] = append(ticks, tick)
	e.tickCursors[tick.Symbol] = len(ticks)

	e.depth++
	defer func() { e.depth-- }()
	return e.onTick(ctx, tick)
}

// ProcessPeriod dispatches a live period update. Closed periods are kept in
// the history of their symbol.
func (e *Engine) ProcessPeriod(ctx context.Context, period models.Period) error {
	e.registerSymbol(period.Symbol)
	if period.Closed() {
		key := periodKey{symbol: period.Symbol, timeframe: period.Timeframe}
		if _, ok := e.periods[key]; !ok {
			e.periodOrder = append(e.periodOrder, key)
		}
		e.periods[key] = append(e.periods[key], period)
		e.periodCursors[key] = len(e.periods[key]) - 1
	}

	// A live bar in progress quotes its close as of now, not as of its end.
	tick := models.TickFromPeriod(period)
	if !period.Closed() {
		tick.Date = period.StartDate
		if e.localDate.After(tick.Date) {
			tick.Date = e.localDate
		}
	}

	e.depth++
	defer func() { e.depth-- }()
	return e.dispatchPeriod(ctx, period, tick)
}

// tickRef locates a selected tick in the history of its symbol.
type tickRef struct {
	symbol string
	index  int
	tick   models.Tick
}

// periodRef locates a selected period in the history of its timeframe.
type periodRef struct {
	key    periodKey
	index  int
	period models.Period
}

// processTicks dispatches the selected ticks by date and returns the ones it
// dispatched. A cursor moves past a tick only as that tick is dispatched, so
// an interrupted run leaves the rest for the next advance. Ticks already
// consumed by a nested advance, such as latency elapsing inside a listener,
// are skipped.
func (e *Engine) processTicks(ctx context.Context, refs []tickRef) ([]models.Tick, error) {
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].tick.Date.Before(refs[j].tick.Date)
	})
	var dispatched []models.Tick
	for _, ref := range refs {
		if ref.index <= cursor(e.tickCursors, ref.symbol) {
			continue
		}
		e.tickCursors[ref.symbol] = ref.index
		dispatched = append(dispatched, ref.tick)
		if err := e.onTick(ctx, ref.tick); err != nil {
			return dispatched, err
		}
	}
	return dispatched, nil
}

func (e *Engine) processPeriods(ctx context.Context, refs []periodRef) ([]models.Period, error) {
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].period.StartDate.Before(refs[j].period.StartDate)
	})
	var dispatched []models.Period
	for _, ref := range refs {
		if ref.index <= e.periodCursor(ref.key) {
			continue
		}
		e.periodCursors[ref.key] = ref.index
		dispatched = append(dispatched, ref.period)
		if err := e.processPeriod(ctx, ref.period); err != nil {
			return dispatched, err
		}
	}
	return dispatched, nil
}

func (e *Engine) processPeriod(ctx context.Context, p models.Period) error {
	return e.dispatchPeriod(ctx, p, models.TickFromPeriod(p))
}

func (e *Engine) dispatchPeriod(ctx context.Context, p models.Period, tick models.Tick) error {
	if err := e.onTick(ctx, tick); err != nil {
		return err
	}

	e.bus.Publish(models.EventPeriodUpdate, models.PeriodEvent{Period: p})
	if err := e.awaitFeed(ctx); err != nil {
		return err
	}

	if p.Closed() {
		e.bus.Publish(models.EventPeriodClose, models.PeriodEvent{Period: p})
		if err := e.awaitFeed(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) onTick(ctx context.Context, tick models.Tick) error {
	e.localDate = tick.Date
	e.lastTicks[tick.Symbol] = tick

	e.updatePendingOrders(ctx, tick)
	e.updateOpenPositions(ctx, tick)

	e.bus.Publish(models.EventTick, models.TickEvent{Tick: tick})
	return e.awaitFeed(ctx)
}

// GetSymbolLastTick returns the latest tick of symbol at or before the
// virtual clock. Closed periods stand in for symbols without ticks.
func (e *Engine) GetSymbolLastTick(symbol string) (models.Tick, error) {
	if tick, ok := e.lastTicks[symbol]; ok {
		return tick, nil
	}

	ticks := e.ticks[symbol]
	i := sort.Search(len(ticks), func(i int) bool {
		return ticks[i].Date.After(e.localDate)
	})
	if i > 0 {
		e.lastTicks[symbol] = ticks[i-1]
		return ticks[i-1], nil
	}

	var latest *models.Period
	for _, key := range e.periodOrder {
		if key.symbol != symbol {
			continue
		}
		periods := e.periods[key]
		j := sort.Search(len(periods), func(j int) bool {
			return periods[j].EndDate().After(e.localDate)
		})
		if j > 0 && (latest == nil || periods[j-1].EndDate().After(latest.EndDate())) {
			latest = &periods[j-1]
		}
	}
	if latest != nil {
		return models.TickFromPeriod(*latest), nil
	}

	return models.Tick{}, errors.Wrapf(errors.ErrNoQuotes, "symbol %s", symbol)
}

// GetSymbolBid returns the current bid of symbol.
func (e *Engine) GetSymbolBid(symbol string) (decimal.Decimal, error) {
	tick, err := e.GetSymbolLastTick(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return tick.Bid, nil
}

// GetSymbolAsk returns the current ask of symbol.
func (e *Engine) GetSymbolAsk(symbol string) (decimal.Decimal, error) {
	tick, err := e.GetSymbolLastTick(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return tick.Ask, nil
}

// AccountConfig holds configuration for a simulated account.
type AccountConfig struct {
	ID           string
	OwnerName    string
	PrimaryAsset string
	BalanceSheet map[string]decimal.Decimal
	Symbols      []models.SymbolParams
}

// CreateAccount opens a paper account funded with the balance sheet.
func (e *Engine) CreateAccount(cfg AccountConfig) (*PaperAccount, error) {
	id := cfg.ID
	if id == "" {
		id = e.nextID(func(id string) bool { _, ok := e.accounts[id]; return ok })
	}
	if _, ok := e.accounts[id]; ok {
		return nil, errors.Wrapf(errors.ErrAlreadyRegistered, "account %s", id)
	}

	account := newPaperAccount(e, id, cfg)
	e.accounts[id] = account
	e.accountOrder = append(e.accountOrder, account)

	e.logger.Info().
		Str("account_id", id).
		Str("primary_asset", account.PrimaryAsset()).
		Msg("Account created")
	return account, nil
}

// GetAccount returns an account by id.
func (e *Engine) GetAccount(id string) (*PaperAccount, error) {
	account, ok := e.accounts[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrAccountNotFound, "account %s", id)
	}
	return account, nil
}

// GetOrder returns an order by id.
func (e *Engine) GetOrder(id string) (*models.Order, bool) {
	order, ok := e.orders[id]
	return order, ok
}

// GetPosition returns a position by id.
func (e *Engine) GetPosition(id string) (*models.Position, bool) {
	position, ok := e.positions[id]
	return position, ok
}

// GetOrdersByAccount returns the orders of an account in placement order.
func (e *Engine) GetOrdersByAccount(accountID string) []*models.Order {
	var orders []*models.Order
	for _, o := range e.orderSeq {
		if o.AccountID == accountID {
			orders = append(orders, o)
		}
	}
	return orders
}

// GetTradesByAccount returns the trades of an account in execution order.
func (e *Engine) GetTradesByAccount(accountID string) []*models.Trade {
	var trades []*models.Trade
	for _, t := range e.trades {
		if t.AccountID == accountID {
			trades = append(trades, t)
		}
	}
	return trades
}

// GetPendingOrders returns the pending orders of every account.
func (e *Engine) GetPendingOrders() []*models.Order {
	return models.FilterPendingOrders(e.orderSeq)
}

// GetOpenPositions returns the open positions of every account.
func (e *Engine) GetOpenPositions() []*models.Position {
	return models.FilterOpenPositions(e.positionSeq)
}

// GetOpenPositionsByAccount returns the open positions of an account.
func (e *Engine) GetOpenPositionsByAccount(accountID string) []*models.Position {
	var open []*models.Position
	for _, p := range e.GetOpenPositions() {
		if p.AccountID == accountID {
			open = append(open, p)
		}
	}
	return open
}

func (e *Engine) openPosition(accountID, positionID string) *models.Position {
	position, ok := e.positions[positionID]
	if !ok || position.AccountID != accountID || position.Status() != models.PositionStatusOpen {
		return nil
	}
	return position
}

// nextID draws identifiers until one is unused.
func (e *Engine) nextID(taken func(string) bool) string {
	for {
		id := e.newID()
		if !taken(id) {
			return id
		}
	}
}
