package filter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/logger"
)

// fakeStore keeps an ephemeral filter and reports combined = base AND ephemeral,
// the way the map service normalizes filters.
type fakeStore struct {
	mu        sync.Mutex
	base      model.Expression
	ephemeral model.Expression
	writes    []model.Expression
	reads     int
	failWrite error
	failRead  error
	// normalize, when set, replaces what is stored for a written filter
	normalize func(model.Expression) model.Expression

	// when set, the next write signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (f *fakeStore) LayerFilters(_ context.Context, _ string) (model.FilterSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failRead != nil {
		return model.FilterSnapshot{}, f.failRead
	}
	return model.FilterSnapshot{Ephemeral: f.ephemeral, Combined: model.AllOf(f.base, f.ephemeral)}, nil
}

func (f *fakeStore) SetLayerFilters(_ context.Context, _ string, expr model.Expression) error {
	f.mu.Lock()
	entered, release := f.entered, f.release
	f.entered, f.release = nil, nil
	f.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, expr)
	if f.failWrite != nil {
		return f.failWrite
	}
	if f.normalize != nil && expr != nil {
		expr = f.normalize(expr)
	}
	f.ephemeral = expr
	return nil
}

func (f *fakeStore) block() (entered, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered, f.release = make(chan struct{}), make(chan struct{})
	return f.entered, f.release
}

func (f *fakeStore) snapshot() ([]model.Expression, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Expression(nil), f.writes...), f.reads
}

func newTestController(store *fakeStore) *Controller {
	return NewController(store, "green-belt", Config{
		Field:   "Area_ha",
		Default: Range{Min: 0, Max: 70000},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestController_InitialView(t *testing.T) {
	c := newTestController(&fakeStore{})
	v := c.View()
	if v.State != Unfiltered || v.Snapshot != nil || v.Range != (Range{0, 70000}) {
		t.Fatalf("unexpected initial view: %+v", v)
	}
}

func TestController_ApplyRangeDisplaysReadBack(t *testing.T) {
	store := &fakeStore{base: model.Cond("Area_ha", model.OpGE, 50.0)}
	c := newTestController(store)

	snap, err := c.ApplyRange(context.Background(), 10, 20)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if snap.Combined == nil {
		t.Fatal("expected combined filter in snapshot")
	}

	v := c.View()
	if v.State != Filtered {
		t.Fatalf("state=%s want filtered", v.State)
	}
	if v.Range != (Range{Min: 10, Max: 20}) {
		t.Fatalf("range=%+v", v.Range)
	}
	if len(model.Conditions(v.Snapshot.Combined)) != 3 {
		t.Fatalf("combined should carry base and written conditions: %#v", v.Snapshot.Combined)
	}
}

func TestController_ReadBackDiffersFromWrite(t *testing.T) {
	store := &fakeStore{base: model.Cond("Area_ha", model.OpLE, 500.0)}
	c := newTestController(store)

	if _, err := c.ApplyText(context.Background(), model.OpGE, "5"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	v := c.View()
	if v.Range != (Range{Min: 5, Max: 500}) {
		t.Fatalf("range=%+v want min from write and max from base", v.Range)
	}
}

func TestController_DisplaysStoredValuesNotWrittenOnes(t *testing.T) {
	store := &fakeStore{normalize: func(model.Expression) model.Expression {
		return model.AllOf(
			model.Cond("Area_ha", model.OpGE, 150.0),
			model.Cond("Area_ha", model.OpLE, 450.0),
		)
	}}
	c := newTestController(store)

	written := model.AllOf(
		model.Cond("Area_ha", model.OpGE, 100.0),
		model.Cond("Area_ha", model.OpLE, 500.0),
	)
	if _, err := c.Apply(context.Background(), written); err != nil {
		t.Fatalf("apply: %v", err)
	}
	v := c.View()
	if v.Range != (Range{Min: 150, Max: 450}) {
		t.Fatalf("range=%+v want the stored {150 450}", v.Range)
	}
	conds := model.Conditions(v.Snapshot.Ephemeral)
	if n, _ := conds[0].Number(); len(conds) != 2 || n != 150 {
		t.Fatalf("snapshot should be the read-back: %#v", v.Snapshot.Ephemeral)
	}
}

func TestController_EmptyTextClears(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(store)
	ctx := context.Background()

	if _, err := c.ApplyRange(ctx, 100, 200); err != nil {
		t.Fatalf("apply: %v", err)
	}
	_, readsBefore := store.snapshot()

	if _, err := c.ApplyText(ctx, model.OpGE, "  "); err != nil {
		t.Fatalf("clear: %v", err)
	}
	writes, reads := store.snapshot()
	if got := writes[len(writes)-1]; got != nil {
		t.Fatalf("clear must write nil, wrote %#v", got)
	}
	if reads != readsBefore {
		t.Fatalf("clear must not read back: reads %d -> %d", readsBefore, reads)
	}
	v := c.View()
	if v.State != Unfiltered || v.Snapshot != nil || v.Range != (Range{0, 70000}) {
		t.Fatalf("unexpected view after clear: %+v", v)
	}
}

func TestController_NonNumericRangeTextClears(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(store)
	if _, err := c.ApplyRangeText(context.Background(), "10", "abc"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	writes, _ := store.snapshot()
	if len(writes) != 1 || writes[0] != nil {
		t.Fatalf("writes=%#v want single nil write", writes)
	}
}

func TestController_ApplyNilClears(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(store)
	if _, err := c.Apply(context.Background(), nil); err != nil {
		t.Fatalf("apply nil: %v", err)
	}
	if writes, reads := store.snapshot(); len(writes) != 1 || reads != 0 {
		t.Fatalf("writes=%d reads=%d", len(writes), reads)
	}
}

func TestController_StaleResponseDiscarded(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(store)
	ctx := context.Background()

	entered, release := store.block()
	first := make(chan error, 1)
	go func() {
		_, err := c.ApplyRange(ctx, 1, 2)
		first <- err
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		_, err := c.ApplyRange(ctx, 3, 4)
		second <- err
	}()
	waitFor(t, func() bool { return c.View().Range == (Range{Min: 3, Max: 4}) })
	close(release)

	if err := <-first; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("first err=%v want ErrSuperseded", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second err=%v", err)
	}
	v := c.View()
	if v.State != Filtered || v.Range != (Range{Min: 3, Max: 4}) {
		t.Fatalf("unexpected final view: %+v", v)
	}
}

func TestController_QueuedRequestSkippedWhenSuperseded(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(store)
	ctx := context.Background()

	entered, release := store.block()
	results := make(chan error, 3)
	go func() {
		_, err := c.ApplyRange(ctx, 1, 2)
		results <- err
	}()
	<-entered

	go func() {
		_, err := c.ApplyRange(ctx, 3, 4)
		results <- err
	}()
	waitFor(t, func() bool { return c.View().Range == (Range{Min: 3, Max: 4}) })
	go func() {
		_, err := c.ApplyRange(ctx, 5, 6)
		results <- err
	}()
	waitFor(t, func() bool { return c.View().Range == (Range{Min: 5, Max: 6}) })
	close(release)

	var superseded, ok int
	for range 3 {
		switch err := <-results; {
		case err == nil:
			ok++
		case errors.Is(err, ErrSuperseded):
			superseded++
		default:
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if ok != 1 || superseded != 2 {
		t.Fatalf("ok=%d superseded=%d", ok, superseded)
	}
	writes, _ := store.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%d want 2 (the skipped request never hits the wire)", len(writes))
	}
	if c.View().Range != (Range{Min: 5, Max: 6}) {
		t.Fatalf("final range=%+v", c.View().Range)
	}
}

func TestController_ClearSupersedesInFlightApply(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(store)
	ctx := context.Background()

	entered, release := store.block()
	applied := make(chan error, 1)
	go func() {
		_, err := c.ApplyRange(ctx, 10, 20)
		applied <- err
	}()
	<-entered

	cleared := make(chan error, 1)
	go func() { cleared <- c.Clear(ctx) }()
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.seq == 2
	})
	close(release)

	if err := <-applied; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("apply err=%v", err)
	}
	if err := <-cleared; err != nil {
		t.Fatalf("clear err=%v", err)
	}
	if v := c.View(); v.State != Unfiltered || v.Snapshot != nil {
		t.Fatalf("unexpected view: %+v", v)
	}
}

func TestController_WriteFailureKeepsPriorState(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(store)
	ctx := context.Background()

	if _, err := c.ApplyRange(ctx, 10, 20); err != nil {
		t.Fatalf("apply: %v", err)
	}
	before := c.View()

	boom := errors.New("boom")
	store.mu.Lock()
	store.failWrite = boom
	store.mu.Unlock()

	if _, err := c.ApplyRange(ctx, 30, 40); !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	after := c.View()
	if after.State != before.State || after.Range != before.Range {
		t.Fatalf("state changed on failure: before=%+v after=%+v", before, after)
	}
	if len(model.Conditions(after.Snapshot.Combined)) != 2 {
		t.Fatalf("snapshot changed on failure: %#v", after.Snapshot)
	}
}

func TestController_FailureLogNamesLayer(t *testing.T) {
	var buf bytes.Buffer
	zl := logger.Build(logger.Config{Level: "debug", MapID: "borough-plan"}, &buf)
	store := &fakeStore{failWrite: errors.New("boom")}
	c := NewController(store, "green-belt", Config{
		Field:   "Area_ha",
		Default: Range{Min: 0, Max: 70000},
		Logger:  logger.NewSlog(&zl),
	})

	if _, err := c.ApplyRange(context.Background(), 1, 2); err == nil {
		t.Fatal("expected error")
	}
	out := buf.String()
	for _, want := range []string{`"entity_id":"green-belt"`, `"map_id":"borough-plan"`, `"stage":"write"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s: %s", want, out)
		}
	}
}

func TestController_ReadFailureKeepsPriorState(t *testing.T) {
	store := &fakeStore{failRead: errors.New("read down")}
	c := newTestController(store)

	if _, err := c.ApplyRange(context.Background(), 30, 40); err == nil {
		t.Fatal("expected error")
	}
	v := c.View()
	if v.State != Unfiltered || v.Range != (Range{0, 70000}) {
		t.Fatalf("unexpected view: %+v", v)
	}
}

func TestController_ClearFailureKeepsPriorState(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(store)
	ctx := context.Background()
	if _, err := c.ApplyRange(ctx, 10, 20); err != nil {
		t.Fatalf("apply: %v", err)
	}
	store.mu.Lock()
	store.failWrite = errors.New("down")
	store.mu.Unlock()

	if err := c.Clear(ctx); err == nil {
		t.Fatal("expected error")
	}
	if v := c.View(); v.State != Filtered || v.Range != (Range{10, 20}) {
		t.Fatalf("unexpected view: %+v", v)
	}
}

func TestController_LoadReadsExistingFilter(t *testing.T) {
	store := &fakeStore{
		ephemeral: model.AllOf(
			model.Cond("Area_ha", model.OpGT, 7.0),
			model.Cond("Area_ha", model.OpLT, 9.0),
		),
	}
	c := newTestController(store)
	if _, err := c.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	v := c.View()
	if v.State != Filtered || v.Range != (Range{7, 9}) {
		t.Fatalf("unexpected view: %+v", v)
	}
	if writes, _ := store.snapshot(); len(writes) != 0 {
		t.Fatalf("load must not write, got %d writes", len(writes))
	}
}

func TestController_LoadDoesNotSupersedeUserRequest(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(store)
	ctx := context.Background()
	entered, release := store.block()

	applyErr := make(chan error, 1)
	go func() {
		_, err := c.ApplyRange(ctx, 1, 2)
		applyErr <- err
	}()
	<-entered

	loadErr := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx)
		loadErr <- err
	}()
	close(release)

	if err := <-applyErr; err != nil {
		t.Fatalf("user apply: %v", err)
	}
	// Load waits for the round trip and then reads the same filter back.
	if err := <-loadErr; err != nil {
		t.Fatalf("load: %v", err)
	}
	v := c.View()
	if v.State != Filtered || v.Range != (Range{Min: 1, Max: 2}) {
		t.Fatalf("view=%+v", v)
	}
	if writes, _ := store.snapshot(); len(writes) != 1 {
		t.Fatalf("writes=%d want 1", len(writes))
	}
}

func TestController_LoadLosesToRequestIssuedDuringRead(t *testing.T) {
	store := &fakeStore{ephemeral: model.Cond("Area_ha", model.OpGE, 7.0)}
	c := newTestController(store)
	// a request issued while the read is outstanding bumps the sequence
	store.mu.Lock()
	go func() {
		c.issue(model.Cond("Area_ha", model.OpGE, 9.0), nil)
		store.mu.Unlock()
	}()
	if _, err := c.Load(context.Background()); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("load err=%v want ErrSuperseded", err)
	}
	if v := c.View(); v.State != Pending {
		t.Fatalf("state=%s want pending", v.State)
	}
}

func TestRangeOf(t *testing.T) {
	fallback := Range{Min: 0, Max: 100}
	expr := model.AllOf(
		model.Cond("other", model.OpGE, 99.0),
		model.Cond("Area_ha", model.OpGE, 5.0),
		model.Cond("Area_ha", model.OpEQ, 6.0),
		model.Cond("Area_ha", model.OpLE, "not a number"),
	)
	if got := RangeOf(expr, "Area_ha", fallback); got != (Range{Min: 5, Max: 100}) {
		t.Fatalf("got %+v", got)
	}
	if got := RangeOf(nil, "Area_ha", fallback); got != fallback {
		t.Fatalf("nil expr: got %+v", got)
	}
}
