package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tradesim/internal/broker"
	"tradesim/internal/decimal"
	"tradesim/internal/events"
	"tradesim/internal/models"
)

var streamStart = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

// recordingSink records what reaches it. An optional gate blocks the first
// call until closed.
type recordingSink struct {
	mu      sync.Mutex
	ticks   []models.Tick
	periods []models.Period
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *recordingSink) hold() {
	if s.gate == nil {
		return
	}
	s.once.Do(func() {
		close(s.entered)
		<-s.gate
	})
}

func (s *recordingSink) ProcessTick(_ context.Context, tick models.Tick) error {
	s.hold()
	s.mu.Lock()
	s.ticks = append(s.ticks, tick)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) ProcessPeriod(_ context.Context, p models.Period) error {
	s.hold()
	s.mu.Lock()
	s.periods = append(s.periods, p)
	s.mu.Unlock()
	return nil
}

func tickAt(symbol string, sec int) models.Tick {
	return models.Tick{
		Symbol: symbol,
		Bid:    decimal.FromInt(int64(100 + sec)),
		Ask:    decimal.FromInt(int64(101 + sec)),
		Date:   streamStart.Add(time.Duration(sec) * time.Second),
	}
}

// Property: For any number of concurrent producers each publishing its own
// symbol in date order, every tick reaches the sink exactly once and each
// symbol's ticks arrive in the order they were published.
func TestProperty_ConcurrentProducersKeepPerSymbolOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("per-symbol order survives serialization", prop.ForAll(
		func(producers, perProducer int) bool {
			sink := &recordingSink{}
			hub := NewHub(sink)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			hub.Start(ctx)
			defer hub.Stop()

			var wg sync.WaitGroup
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func(symbol string) {
					defer wg.Done()
					for i := 0; i < perProducer; i++ {
						hub.Publish(tickAt(symbol, i))
					}
				}(fmt.Sprintf("SYM%d", p))
			}
			wg.Wait()
			if err := hub.Wait(ctx); err != nil {
				return false
			}

			sink.mu.Lock()
			defer sink.mu.Unlock()
			if len(sink.ticks) != producers*perProducer {
				return false
			}
			last := make(map[string]time.Time)
			for _, tick := range sink.ticks {
				if prev, ok := last[tick.Symbol]; ok && !tick.Date.After(prev) {
					return false
				}
				last[tick.Symbol] = tick.Date
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

// Property: For any burst of in-progress updates of one bar published while
// the sink is busy, the sink sees the first update and the newest one, and
// everything in between is counted as replaced.
func TestProperty_PeriodUpdatesCollapseToNewest(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("replace-pending keeps the newest update", prop.ForAll(
		func(burst int) bool {
			sink := &recordingSink{gate: make(chan struct{}), entered: make(chan struct{})}
			hub := NewHub(sink)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			hub.Start(ctx)
			defer hub.Stop()

			update := func(close int64) models.Period {
				return models.Period{
					Symbol:     "ETHUSD",
					Timeframe:  models.M1,
					StartDate:  streamStart,
					Close:      decimal.FromInt(close),
					InProgress: true,
				}
			}

			hub.PublishPeriod(update(0))
			<-sink.entered
			for i := 1; i <= burst; i++ {
				hub.PublishPeriod(update(int64(i)))
			}
			close(sink.gate)
			if err := hub.Wait(ctx); err != nil {
				return false
			}

			sink.mu.Lock()
			defer sink.mu.Unlock()
			if len(sink.periods) != 2 {
				return false
			}
			return sink.periods[0].Close.IsZero() &&
				sink.periods[1].Close.Equal(decimal.FromInt(int64(burst))) &&
				hub.GetMetrics().UpdatesReplaced == uint64(burst-1)
		},
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}

func TestHubSkipsUpdatesOfClosedBars(t *testing.T) {
	sink := &recordingSink{}
	hub := NewHub(sink)
	ctx := context.Background()
	hub.Start(ctx)
	defer hub.Stop()

	bar := models.Period{Symbol: "ETHUSD", Timeframe: models.M1, StartDate: streamStart, Close: decimal.One}
	hub.PublishPeriod(bar)
	if err := hub.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	late := bar
	late.InProgress = true
	hub.PublishPeriod(late)
	if err := hub.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	if len(sink.periods) != 1 {
		t.Fatalf("got %d periods, want only the closed bar", len(sink.periods))
	}
	if m := hub.GetMetrics(); m.StaleUpdates != 1 || m.PeriodsReceived != 2 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestHubSubscribersAndStop(t *testing.T) {
	sink := &recordingSink{}
	hub := NewHub(sink)
	ctx := context.Background()

	if hub.Publish(tickAt("ETHUSD", 0)) {
		t.Fatal("publish before start must fail")
	}

	hub.Start(ctx)
	eth := hub.Subscribe("ETHUSD")
	btc := hub.Subscribe("BTCUSD")

	hub.Publish(tickAt("ETHUSD", 1))
	hub.Publish(tickAt("BTCUSD", 2))
	if err := hub.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	if got := <-eth; got.Symbol != "ETHUSD" {
		t.Fatalf("eth subscriber got %s", got.Symbol)
	}
	if got := <-btc; got.Symbol != "BTCUSD" {
		t.Fatalf("btc subscriber got %s", got.Symbol)
	}

	hub.Unsubscribe("BTCUSD", btc)
	if _, ok := <-btc; ok {
		t.Fatal("unsubscribed channel must be closed")
	}

	hub.Stop()
	if _, ok := <-eth; ok {
		t.Fatal("stop must close subscriber channels")
	}
	if hub.Publish(tickAt("ETHUSD", 3)) {
		t.Fatal("publish after stop must fail")
	}

	m := hub.GetMetrics()
	if m.TicksProcessed != 2 || m.TicksBroadcast != 2 || m.Dropped != 2 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestHubDrivesEngine(t *testing.T) {
	engine := broker.NewEngine(broker.EngineConfig{LocalDate: streamStart})
	var dispatched []time.Time
	engine.On(models.EventTick, func(ev events.Event) {
		dispatched = append(dispatched, ev.Payload.(models.TickEvent).Tick.Date)
	})

	hub := NewHub(engine)
	ctx := context.Background()
	hub.Start(ctx)
	defer hub.Stop()

	ticks := []models.Tick{tickAt("ETHUSD", 1), tickAt("ETHUSD", 2), tickAt("ETHUSD", 3)}
	if err := PumpTicks(ctx, hub, ticks, 0); err != nil {
		t.Fatal(err)
	}
	hub.PublishPeriod(models.Period{Symbol: "ETHUSD", Timeframe: models.M1, StartDate: streamStart, Close: decimal.FromInt(7)})
	if err := hub.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	hub.Do(func() {
		if len(dispatched) != 4 {
			t.Errorf("dispatched %d ticks, want 3 plus the period close tick", len(dispatched))
		}
		if !engine.LocalDate().Equal(streamStart.Add(time.Minute)) {
			t.Errorf("engine clock at %s", engine.LocalDate())
		}
		if got := engine.GetSymbolPeriods("ETHUSD", models.M1); len(got) != 1 {
			t.Errorf("closed period not kept: %d", len(got))
		}
	})
}

func TestPumpTicksHonoursContext(t *testing.T) {
	hub := NewHub(&recordingSink{})
	ctx, cancel := context.WithCancel(context.Background())
	hub.Start(ctx)
	defer hub.Stop()

	ticks := []models.Tick{tickAt("ETHUSD", 0), tickAt("ETHUSD", 3600)}
	cancel()
	if err := PumpTicks(ctx, hub, ticks, 1); err != context.Canceled {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
