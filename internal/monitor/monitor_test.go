package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/bgbot/internal/config"
	"github.com/skalibog/bgbot/internal/exchange"
	"github.com/skalibog/bgbot/pkg/models"
)

type fakeExchange struct {
	mu        sync.Mutex
	states    map[string]models.PositionState
	errs      map[string]error
	price     map[string]float64
	orders    []models.Order
	cancelled []string
	polls     int
	// afterPlace вызывается под блокировкой после записи ордера
	afterPlace func(order models.Order) error
	cancelErr  error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		states: make(map[string]models.PositionState),
		errs:   make(map[string]error),
		price:  make(map[string]float64),
	}
}

func (f *fakeExchange) set(symbol string, qty, mark float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[symbol] = models.PositionState{Symbol: symbol, Side: models.SideLong, Quantity: qty, MarkPrice: mark}
}

func (f *fakeExchange) GetPosition(_ context.Context, symbol string) (models.PositionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if err := f.errs[symbol]; err != nil {
		return models.PositionState{}, err
	}
	return f.states[symbol], nil
}

func (f *fakeExchange) GetPositions(context.Context) ([]models.PositionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PositionState
	for _, st := range f.states {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeExchange) GetMarketPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.price[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return p, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, order models.Order) (models.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	if f.afterPlace != nil {
		if err := f.afterPlace(order); err != nil {
			return models.OrderAck{}, err
		}
	}
	return models.OrderAck{OrderID: fmt.Sprintf("o-%d", len(f.orders))}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _, orderID string, _ models.OrderType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) partialCloses() []models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.Type == models.OrderTypePartialClose {
			out = append(out, o)
		}
	}
	return out
}

type fakeLegs struct {
	mu     sync.Mutex
	fail   int
	placed []models.Order
}

func (l *fakeLegs) PlaceLeg(_ context.Context, order models.Order) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail > 0 {
		l.fail--
		return "", errors.New("leg rejected")
	}
	l.placed = append(l.placed, order)
	return fmt.Sprintf("sl-%d", len(l.placed)), nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *eventRecorder) Publish(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func monitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		PollIntervalSeconds:    1,
		PartialTriggerFraction: 0.5,
		PartialProfitFraction:  0.5,
		PartialOrderType:       "market",
		PositionAgeAlertHours:  24,
		MaxConcurrentPolls:     4,
	}
}

type harness struct {
	ex     *fakeExchange
	legs   *fakeLegs
	events *eventRecorder
	clock  *clock
	mon    *Monitor
}

func newHarness() *harness {
	h := &harness{
		ex:     newFakeExchange(),
		legs:   &fakeLegs{},
		events: &eventRecorder{},
		clock:  &clock{now: t0},
	}
	h.mon = NewMonitor(h.ex, h.legs, h.events, monitorConfig(), WithClock(h.clock.Now))
	return h
}

func dogeLong() *models.Position {
	return &models.Position{
		Symbol:          "DOGEUSDT",
		Side:            models.SideLong,
		Quantity:        600,
		EntryPrice:      0.17,
		TargetPrice:     0.18,
		CurrentStopLoss: 0.16,
		OpenedAt:        t0,
		StopLossOrderID: "sl-original",
		BaseIncrement:   1,
		TickSize:        0.0001,
	}
}

func (h *harness) position(t *testing.T, symbol string) models.Position {
	t.Helper()
	for _, p := range h.mon.Snapshot() {
		if p.Symbol == symbol {
			return p
		}
	}
	t.Fatalf("%s is not tracked", symbol)
	return models.Position{}
}

func TestPartialTrigger(t *testing.T) {
	long := models.Position{Side: models.SideLong, EntryPrice: 0.17, TargetPrice: 0.18}
	if got := PartialTrigger(long, 0.5); got != 0.175 {
		t.Errorf("long trigger = %v, want 0.175", got)
	}
	short := models.Position{Side: models.SideShort, EntryPrice: 0.17, TargetPrice: 0.16}
	if got := PartialTrigger(short, 0.5); got != 0.165 {
		t.Errorf("short trigger = %v, want 0.165", got)
	}
}

func TestPartialFiresOnceAtFraction(t *testing.T) {
	h := newHarness()
	h.mon.Track(dogeLong())
	ctx := context.Background()

	h.ex.set("DOGEUSDT", 600, 0.1749)
	h.mon.Poll(ctx)
	if n := len(h.ex.partialCloses()); n != 0 {
		t.Fatalf("partial fired below trigger: %d orders", n)
	}

	h.ex.set("DOGEUSDT", 600, 0.175)
	h.mon.Poll(ctx)
	closes := h.ex.partialCloses()
	if len(closes) != 1 {
		t.Fatalf("partial closes = %d, want 1", len(closes))
	}
	if closes[0].Quantity != 300 || !closes[0].Market || closes[0].Side != models.SideLong {
		t.Errorf("partial order = %+v", closes[0])
	}

	p := h.position(t, "DOGEUSDT")
	if !p.PartialTaken || p.State() != models.PhaseOpenPartial || p.Quantity != 300 {
		t.Fatalf("position = %+v", p)
	}

	h.ex.set("DOGEUSDT", 300, 0.179)
	h.mon.Poll(ctx)
	h.mon.Poll(ctx)
	if n := len(h.ex.partialCloses()); n != 1 {
		t.Fatalf("partial fired %d times, want once", n)
	}
	if n := h.events.count(models.EventPartialTaken); n != 1 {
		t.Fatalf("partial-taken events = %d, want 1", n)
	}
}

func TestPartialShortDirection(t *testing.T) {
	h := newHarness()
	pos := dogeLong()
	pos.Side = models.SideShort
	pos.TargetPrice = 0.16
	pos.CurrentStopLoss = 0.18
	h.mon.Track(pos)
	ctx := context.Background()

	// Движение против шорта не должно срабатывать
	h.ex.set("DOGEUSDT", 600, 0.176)
	h.mon.Poll(ctx)
	h.ex.set("DOGEUSDT", 600, 0.1651)
	h.mon.Poll(ctx)
	if n := len(h.ex.partialCloses()); n != 0 {
		t.Fatalf("partial fired before trigger: %d", n)
	}

	h.ex.set("DOGEUSDT", 600, 0.165)
	h.mon.Poll(ctx)
	if n := len(h.ex.partialCloses()); n != 1 {
		t.Fatalf("partial closes = %d, want 1", n)
	}
}

func TestStopMovedToExactEntry(t *testing.T) {
	h := newHarness()
	h.mon.Track(dogeLong())

	h.ex.set("DOGEUSDT", 600, 0.176)
	h.mon.Poll(context.Background())

	if len(h.legs.placed) != 1 {
		t.Fatalf("stop orders = %d, want 1", len(h.legs.placed))
	}
	sl := h.legs.placed[0]
	if sl.Type != models.OrderTypeStopLoss || sl.Price != 0.17 || sl.Quantity != 300 {
		t.Fatalf("breakeven stop = %+v", sl)
	}
	if len(h.ex.cancelled) != 1 || h.ex.cancelled[0] != "sl-original" {
		t.Fatalf("cancelled = %v, want original stop", h.ex.cancelled)
	}

	p := h.position(t, "DOGEUSDT")
	if !p.StopMoved || p.CurrentStopLoss != p.EntryPrice || p.StopLossOrderID != "sl-1" {
		t.Fatalf("position = %+v", p)
	}
	if h.events.count(models.EventStopMoved) != 1 {
		t.Fatalf("stop-moved events = %d", h.events.count(models.EventStopMoved))
	}
}

func TestStopMoveRetriedOnNextPoll(t *testing.T) {
	h := newHarness()
	h.legs.fail = 1
	h.mon.Track(dogeLong())
	ctx := context.Background()

	h.ex.set("DOGEUSDT", 600, 0.176)
	h.mon.Poll(ctx)
	p := h.position(t, "DOGEUSDT")
	if !p.PartialTaken || p.StopMoved {
		t.Fatalf("after failed stop move: %+v", p)
	}
	if h.events.count(models.EventLegFailure) != 1 {
		t.Fatalf("leg-failure events = %d, want 1", h.events.count(models.EventLegFailure))
	}

	h.ex.set("DOGEUSDT", 300, 0.176)
	h.mon.Poll(ctx)
	p = h.position(t, "DOGEUSDT")
	if !p.StopMoved || p.CurrentStopLoss != 0.17 {
		t.Fatalf("stop not moved on retry: %+v", p)
	}
	if n := len(h.ex.partialCloses()); n != 1 {
		t.Fatalf("partial closes = %d, want 1", n)
	}
	if len(h.ex.cancelled) != 1 {
		t.Fatalf("original stop cancelled %d times, want 1", len(h.ex.cancelled))
	}
}

func TestFailedStopMoveKeepsOriginalStop(t *testing.T) {
	h := newHarness()
	h.legs.fail = 10
	h.mon.Track(dogeLong())
	ctx := context.Background()

	h.ex.set("DOGEUSDT", 600, 0.176)
	h.mon.Poll(ctx)
	h.ex.set("DOGEUSDT", 300, 0.176)
	h.mon.Poll(ctx)

	if len(h.ex.cancelled) != 0 {
		t.Fatalf("cancelled = %v, original stop must stay until the new one is placed", h.ex.cancelled)
	}
	p := h.position(t, "DOGEUSDT")
	if p.StopMoved || p.StopLossOrderID != "sl-original" || p.CurrentStopLoss != 0.16 {
		t.Fatalf("position = %+v", p)
	}
	if n := h.events.count(models.EventLegFailure); n != 2 {
		t.Fatalf("leg-failure events = %d, want 2", n)
	}
}

func TestStaleStopCancelRetried(t *testing.T) {
	h := newHarness()
	h.ex.cancelErr = errors.New("timeout")
	h.mon.Track(dogeLong())
	ctx := context.Background()

	h.ex.set("DOGEUSDT", 600, 0.176)
	h.mon.Poll(ctx)
	p := h.position(t, "DOGEUSDT")
	if !p.StopMoved || p.StopLossOrderID != "sl-1" || p.StaleStopOrderID != "sl-original" {
		t.Fatalf("after failed cancel: %+v", p)
	}

	h.ex.mu.Lock()
	h.ex.cancelErr = nil
	h.ex.mu.Unlock()
	h.ex.set("DOGEUSDT", 300, 0.176)
	h.mon.Poll(ctx)

	p = h.position(t, "DOGEUSDT")
	if p.StaleStopOrderID != "" || len(h.ex.cancelled) != 1 || h.ex.cancelled[0] != "sl-original" {
		t.Fatalf("stale stop not cancelled: %+v, cancelled = %v", p, h.ex.cancelled)
	}
	if len(h.legs.placed) != 1 {
		t.Fatalf("breakeven stops = %d, want 1", len(h.legs.placed))
	}
}

func TestPartialWithLostAckFiresOnce(t *testing.T) {
	h := newHarness()
	h.mon.Track(dogeLong())
	ctx := context.Background()

	// Первое закрытие исполняется биржей, но ответ теряется
	lost := false
	h.ex.afterPlace = func(order models.Order) error {
		if order.Type != models.OrderTypePartialClose || lost {
			return nil
		}
		lost = true
		st := h.ex.states["DOGEUSDT"]
		st.Quantity -= order.Quantity
		h.ex.states["DOGEUSDT"] = st
		return &exchange.APIError{Kind: exchange.KindTransient, Op: "PlaceOrder"}
	}

	h.ex.set("DOGEUSDT", 600, 0.176)
	h.mon.Poll(ctx)
	p := h.position(t, "DOGEUSDT")
	if p.PartialTaken || p.PartialCloseOID == "" {
		t.Fatalf("after lost ack: %+v", p)
	}

	h.mon.Poll(ctx)
	h.mon.Poll(ctx)

	closes := h.ex.partialCloses()
	if len(closes) != 1 {
		t.Fatalf("partial closes = %d, want 1", len(closes))
	}
	p = h.position(t, "DOGEUSDT")
	if !p.PartialTaken || p.Quantity != 300 || !p.StopMoved {
		t.Fatalf("position = %+v", p)
	}
	if len(h.legs.placed) != 1 || h.legs.placed[0].Quantity != 300 {
		t.Fatalf("breakeven stop = %+v", h.legs.placed)
	}
	if n := h.events.count(models.EventPartialTaken); n != 1 {
		t.Fatalf("partial-taken events = %d, want 1", n)
	}
}

func TestPartialRetryReusesClientOID(t *testing.T) {
	h := newHarness()
	h.mon.Track(dogeLong())
	ctx := context.Background()

	failed := false
	h.ex.afterPlace = func(order models.Order) error {
		if order.Type == models.OrderTypePartialClose && !failed {
			failed = true
			return &exchange.APIError{Kind: exchange.KindTransient, Op: "PlaceOrder"}
		}
		return nil
	}

	h.ex.set("DOGEUSDT", 600, 0.176)
	h.mon.Poll(ctx)
	h.mon.Poll(ctx)

	closes := h.ex.partialCloses()
	if len(closes) != 2 {
		t.Fatalf("partial close attempts = %d, want 2", len(closes))
	}
	if closes[0].ClientOID == "" || closes[0].ClientOID != closes[1].ClientOID {
		t.Fatalf("client oids = %q, %q", closes[0].ClientOID, closes[1].ClientOID)
	}
	p := h.position(t, "DOGEUSDT")
	if !p.PartialTaken || p.PartialCloseOID != "" || p.Quantity != 300 {
		t.Fatalf("position = %+v", p)
	}
}

func TestPollErrorKeepsPosition(t *testing.T) {
	h := newHarness()
	h.mon.Track(dogeLong())
	h.ex.errs["DOGEUSDT"] = &exchange.APIError{Kind: exchange.KindEndpointUnavailable, Op: "GetPosition", HTTPStatus: 404}

	h.mon.Poll(context.Background())

	p := h.position(t, "DOGEUSDT")
	if p.Quantity != 600 || p.PartialTaken {
		t.Fatalf("position changed on failed poll: %+v", p)
	}
	if h.events.count(models.EventPositionClosed) != 0 {
		t.Fatal("position reported closed on failed poll")
	}
}

func TestClosedPositionUntracked(t *testing.T) {
	h := newHarness()
	h.mon.Track(dogeLong())
	h.ex.set("DOGEUSDT", 0, 0)

	h.mon.Poll(context.Background())

	if h.mon.Tracked("DOGEUSDT") {
		t.Fatal("closed position still tracked")
	}
	if h.events.count(models.EventPositionClosed) != 1 {
		t.Fatalf("position-closed events = %d", h.events.count(models.EventPositionClosed))
	}
}

func TestQuantityOnlyLowered(t *testing.T) {
	h := newHarness()
	h.mon.Track(dogeLong())
	ctx := context.Background()

	h.ex.set("DOGEUSDT", 800, 0.171)
	h.mon.Poll(ctx)
	if q := h.position(t, "DOGEUSDT").Quantity; q != 600 {
		t.Fatalf("quantity raised to %v", q)
	}

	h.ex.set("DOGEUSDT", 400, 0.171)
	h.mon.Poll(ctx)
	if q := h.position(t, "DOGEUSDT").Quantity; q != 400 {
		t.Fatalf("quantity = %v, want 400", q)
	}
}

func TestAgeAlertOnce(t *testing.T) {
	h := newHarness()
	h.mon.Track(dogeLong())
	h.ex.set("DOGEUSDT", 600, 0.171)
	ctx := context.Background()

	h.clock.Set(t0.Add(23*time.Hour + 50*time.Minute))
	h.mon.Poll(ctx)
	if n := h.events.count(models.EventAgeWarning); n != 0 {
		t.Fatalf("alert before threshold: %d", n)
	}

	h.clock.Set(t0.Add(24*time.Hour + 5*time.Minute))
	h.mon.Poll(ctx)
	if n := h.events.count(models.EventAgeWarning); n != 1 {
		t.Fatalf("alerts at 24h05m = %d, want 1", n)
	}

	h.clock.Set(t0.Add(30 * time.Hour))
	h.mon.Poll(ctx)
	h.mon.Poll(ctx)
	if n := h.events.count(models.EventAgeWarning); n != 1 {
		t.Fatalf("alert re-raised without reset: %d", n)
	}

	h.mon.ResetAgeAlert("DOGEUSDT")
	h.mon.Poll(ctx)
	if n := h.events.count(models.EventAgeWarning); n != 2 {
		t.Fatalf("alerts after reset = %d, want 2", n)
	}
}

func TestLimitPartialUsesCurrentPrice(t *testing.T) {
	h := newHarness()
	cfg := monitorConfig()
	cfg.PartialOrderType = "limit"
	h.mon = NewMonitor(h.ex, h.legs, h.events, cfg, WithClock(h.clock.Now))
	h.mon.Track(dogeLong())

	h.ex.set("DOGEUSDT", 600, 0.17612)
	h.mon.Poll(context.Background())

	closes := h.ex.partialCloses()
	if len(closes) != 1 || closes[0].Market || closes[0].Price != 0.1761 {
		t.Fatalf("partial orders = %+v", closes)
	}
}

func TestDryRunPaperPosition(t *testing.T) {
	h := newHarness()
	pos := dogeLong()
	pos.DryRun = true
	h.mon.Track(pos)
	ctx := context.Background()

	h.ex.price["DOGEUSDT"] = 0.176
	h.mon.Poll(ctx)
	p := h.position(t, "DOGEUSDT")
	if !p.PartialTaken || !p.StopMoved || p.CurrentStopLoss != 0.17 || p.Quantity != 300 {
		t.Fatalf("paper position = %+v", p)
	}
	if len(h.ex.orders) != 0 || len(h.legs.placed) != 0 || h.ex.polls != 0 {
		t.Fatal("dry run touched the exchange order API")
	}

	h.ex.price["DOGEUSDT"] = 0.1699
	h.mon.Poll(ctx)
	if h.mon.Tracked("DOGEUSDT") {
		t.Fatal("paper position not closed at breakeven stop")
	}
}

func TestAdoptMatchesCandidates(t *testing.T) {
	h := newHarness()
	h.ex.states["DOGEUSDT"] = models.PositionState{Symbol: "DOGEUSDT", Side: models.SideLong, Quantity: 500, EntryPrice: 0.1702}
	h.ex.states["BTCUSDT"] = models.PositionState{Symbol: "BTCUSDT", Side: models.SideLong, Quantity: 1, EntryPrice: 60000}

	candidates := []models.TradeCandidate{{
		Symbol: "DOGEUSDT_UMCBL", Side: models.SideLong, EntryPrice: 0.17, TargetPrice: 0.18,
		StopLossPrice: 0.16, BaseIncrement: 1, TickSize: 0.0001,
	}}

	n, err := h.mon.Adopt(context.Background(), candidates)
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if n != 1 {
		t.Fatalf("adopted = %d, want 1", n)
	}
	p := h.position(t, "DOGEUSDT_UMCBL")
	if p.Quantity != 500 || p.EntryPrice != 0.1702 || p.TargetPrice != 0.18 || p.CurrentStopLoss != 0.16 {
		t.Fatalf("adopted position = %+v", p)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness()
	h.mon.Track(dogeLong())
	h.ex.set("DOGEUSDT", 600, 0.171)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.mon.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
