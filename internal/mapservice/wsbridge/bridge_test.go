package wsbridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice/memory"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	mem    *memory.Service
	srv    *httptest.Server
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	seed := memory.Seed{
		Groups: []model.Group{{ID: "g1", Name: "Environment", Visible: true}},
		Layers: []model.Layer{
			{ID: "a", Name: "Roads", Visible: true},
			{ID: "b", GroupID: "g1", Name: "Green Belt", Visible: false, Bounds: &model.Bounds{West: -1, South: 50, East: 1, North: 52}},
		},
		BaseFilters: map[string]string{"b": `["Area_ha","ge",0]`},
	}
	mem, err := memory.New(seed, quietLogger())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	srv := httptest.NewServer(Handler(mem, quietLogger()))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, url, Options{Logger: quietLogger(), CallTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return &fixture{mem: mem, srv: srv, client: client}
}

func TestBridge_Catalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	layers, err := f.client.Layers(ctx)
	if err != nil {
		t.Fatalf("layers: %v", err)
	}
	if len(layers) != 2 || layers[0].ID != "a" || layers[1].GroupID != "g1" || layers[1].Bounds == nil {
		t.Fatalf("unexpected layers: %+v", layers)
	}
	groups, err := f.client.LayerGroups(ctx)
	if err != nil || len(groups) != 1 || groups[0].Name != "Environment" {
		t.Fatalf("groups=%+v err=%v", groups, err)
	}
}

func TestBridge_FilterRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expr := model.AllOf(model.Cond("Area_ha", model.OpGE, 10.0), model.Cond("Area_ha", model.OpLE, 20.0))
	if err := f.client.SetLayerFilters(ctx, "b", expr); err != nil {
		t.Fatalf("set: %v", err)
	}
	snap, err := f.client.LayerFilters(ctx, "b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(model.Conditions(snap.Ephemeral)) != 2 || len(model.Conditions(snap.Combined)) != 3 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}

	if err := f.client.SetLayerFilters(ctx, "b", nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	snap, _ = f.client.LayerFilters(ctx, "b")
	if snap.Ephemeral != nil {
		t.Fatalf("ephemeral=%#v want nil", snap.Ephemeral)
	}
}

func TestBridge_RemoteError(t *testing.T) {
	f := newFixture(t)
	f.mem.Fail(memory.MethodSetVisibility, errors.New("map busy"))

	err := f.client.SetLayerVisibility(context.Background(), model.ShowIDs("a"))
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "map busy" || remote.Method != MethodSetLayerVisibility {
		t.Fatalf("err=%v want RemoteError", err)
	}
}

func TestBridge_PushAndRemoteSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic := mapservice.LayerTopic("b")

	first := make(chan model.Layer, 4)
	second := make(chan model.Layer, 4)
	unsub1, err := f.client.OnLayerChange("b", func(l model.Layer) { first <- l })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub2, err := f.client.OnLayerChange("b", func(l model.Layer) { second <- l })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := f.mem.Hub().Subscribers(topic); n != 1 {
		t.Fatalf("remote subscribers=%d want 1", n)
	}

	if err := f.client.SetLayerVisibility(ctx, model.ShowIDs("b")); err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, ch := range []chan model.Layer{first, second} {
		select {
		case l := <-ch:
			if !l.Visible || l.ID != "b" {
				t.Fatalf("unexpected push: %+v", l)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("push not delivered")
		}
	}

	if err := unsub1(); err != nil {
		t.Fatalf("unsub1: %v", err)
	}
	if n := f.mem.Hub().Subscribers(topic); n != 1 {
		t.Fatalf("remote subscribers=%d after first unsubscribe", n)
	}
	if err := unsub2(); err != nil {
		t.Fatalf("unsub2: %v", err)
	}
	if n := f.mem.Hub().Subscribers(topic); n != 0 {
		t.Fatalf("remote subscribers=%d want 0", n)
	}
}

func TestBridge_ViewportFollowsFit(t *testing.T) {
	f := newFixture(t)
	moved := make(chan model.Viewport, 1)
	unsub, err := f.client.OnViewportMove(func(v model.Viewport) { moved <- v })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := f.client.FitViewportToBounds(context.Background(), model.Bounds{West: -1, South: 50, East: 1, North: 52}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	select {
	case v := <-moved:
		if v.Center.Latitude != 51 {
			t.Fatalf("center=%+v", v.Center)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("viewport move not delivered")
	}
	v, err := f.client.Viewport(context.Background())
	if err != nil || v.Center.Latitude != 51 {
		t.Fatalf("viewport=%+v err=%v", v, err)
	}
}

func TestBridge_DataTable(t *testing.T) {
	f := newFixture(t)
	if err := f.client.ShowLayerDataTable(context.Background(), "a"); err != nil {
		t.Fatalf("table: %v", err)
	}
	if got := f.mem.DataTables(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("tables=%v", got)
	}
}

func TestBridge_CallsFailAfterClose(t *testing.T) {
	f := newFixture(t)
	if err := f.client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.client.Connected() {
		t.Fatal("still connected after close")
	}
	if _, err := f.client.Layers(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
}

func TestBridge_ServerGoneClosesClient(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	client, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the server going away")
	}
	if client.Err() == nil {
		t.Fatal("expected a close cause")
	}
	if _, err := client.Viewport(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
}
