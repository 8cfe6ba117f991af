package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/mohammed-shakir/map-sidebar/internal/core/httpclient"
	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/core/observability"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

var ErrClosed = errors.New("map service connection closed")

type Options struct {
	Logger       *slog.Logger
	CallTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings; the read deadline is twice
	// the interval. Zero disables both.
	PingInterval time.Duration
	Dialer       *websocket.Dialer
	Header       http.Header
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = httpclient.NewDialer()
	}
}

// Client is a mapservice.Service backed by a remote map. Push handlers run on
// the connection's read goroutine and must not block.
type Client struct {
	conn *websocket.Conn
	opts Options
	log  *slog.Logger
	hub  *mapservice.Hub

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Envelope
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

var _ mapservice.Service = (*Client)(nil)

// Dial connects to the map service at url.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	opts.defaults()
	conn, resp, err := opts.Dialer.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial map service %s: %w", url, err)
	}
	return NewClient(conn, opts), nil
}

// NewClient takes ownership of conn and starts reading from it.
func NewClient(conn *websocket.Conn, opts Options) *Client {
	opts.defaults()
	c := &Client{
		conn:    conn,
		opts:    opts,
		log:     opts.Logger.With("component", "wsbridge"),
		pending: make(map[string]chan Envelope),
		closed:  make(chan struct{}),
	}
	c.hub = mapservice.NewHub(mapservice.Hooks{
		First: func(t mapservice.Topic) error { return c.remoteTopic(MethodSubscribe, t) },
		Last:  func(t mapservice.Topic) error { return c.remoteTopic(MethodUnsubscribe, t) },
	})
	if opts.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
		})
		go c.keepalive()
	}
	go c.readLoop()
	return c
}

// Connected reports whether the connection is still usable.
func (c *Client) Connected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()

		// pending callers observe closed
		close(c.closed)
		_ = c.conn.Close()
		if !errors.Is(cause, ErrClosed) {
			c.log.Warn("map service connection lost", "err", cause)
		}
	})
}

func (c *Client) keepalive() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			c.shutdown(err)
			return
		}
		if c.opts.PingInterval > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		switch env.Type {
		case TypeResult:
			c.mu.Lock()
			ch := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- env
			}
		case TypeEvent:
			c.dispatch(env)
		default:
			c.log.Debug("ignoring frame", "type", env.Type)
		}
	}
}

func (c *Client) dispatch(env Envelope) {
	ev := mapservice.ChangeEvent{Topic: mapservice.Topic{Kind: env.Event, ID: env.ID}}
	var err error
	switch env.Event {
	case mapservice.KindLayer:
		ev.Layer = new(model.Layer)
		err = json.Unmarshal(env.Payload, ev.Layer)
	case mapservice.KindGroup:
		ev.Group = new(model.Group)
		err = json.Unmarshal(env.Payload, ev.Group)
	case mapservice.KindViewport:
		ev.Topic.ID = ""
		ev.Viewport = new(model.Viewport)
		err = json.Unmarshal(env.Payload, ev.Viewport)
	default:
		err = fmt.Errorf("unknown event %q", env.Event)
	}
	if err != nil {
		c.log.Warn("dropping event", "event", env.Event, "entity_id", env.ID, "err", err)
		return
	}
	c.hub.Publish(ev)
}

func (c *Client) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Method, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(err)
		return fmt.Errorf("send %s: %w", env.Method, err)
	}
	return nil
}

// call sends method and waits for its result, decoding it into out when out
// is non-nil.
func (c *Client) call(ctx context.Context, method string, params, out any) (err error) {
	start := time.Now()
	defer func() { observability.ObserveMapCall(method, err, time.Since(start).Seconds()) }()

	if !c.Connected() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	env := Envelope{Type: TypeCall, ID: ulid.Make().String(), Method: method}
	if params != nil {
		if env.Params, err = json.Marshal(params); err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
	}

	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return err
	}

	var res Envelope
	select {
	case res = <-ch:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.closed:
		return fmt.Errorf("%s: %w", method, ErrClosed)
	}
	if res.Error != "" {
		return &RemoteError{Method: method, Message: res.Error}
	}
	if out != nil && len(res.Result) > 0 {
		if err := json.Unmarshal(res.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) remoteTopic(method string, t mapservice.Topic) error {
	err := c.call(context.Background(), method, topicParams{Kind: t.Kind, ID: t.ID}, nil)
	if err != nil && method == MethodUnsubscribe && !c.Connected() {
		// the remote side dropped every subscription with the connection
		return nil
	}
	return err
}

func (c *Client) Layers(ctx context.Context) ([]*model.Layer, error) {
	var out []*model.Layer
	if err := c.call(ctx, MethodLayers, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LayerGroups(ctx context.Context) ([]*model.Group, error) {
	var out []*model.Group
	if err := c.call(ctx, MethodLayerGroups, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LayerFilters(ctx context.Context, layerID string) (model.FilterSnapshot, error) {
	var out model.FilterSnapshot
	if err := c.call(ctx, MethodLayerFilters, layerParams{LayerID: layerID}, &out); err != nil {
		return model.FilterSnapshot{}, err
	}
	return out, nil
}

func (c *Client) SetLayerFilters(ctx context.Context, layerID string, expr model.Expression) error {
	raw, err := model.MarshalExpression(expr)
	if err != nil {
		return err
	}
	return c.call(ctx, MethodSetLayerFilters, filterParams{LayerID: layerID, Filters: raw}, nil)
}

func (c *Client) SetLayerVisibility(ctx context.Context, req model.VisibilityRequest) error {
	return c.call(ctx, MethodSetLayerVisibility, req, nil)
}

func (c *Client) SetLayerGroupVisibility(ctx context.Context, req model.VisibilityRequest) error {
	return c.call(ctx, MethodSetLayerGroupVisibility, req, nil)
}

func (c *Client) FitViewportToBounds(ctx context.Context, b model.Bounds) error {
	return c.call(ctx, MethodFitViewportToBounds, b, nil)
}

func (c *Client) ShowLayerDataTable(ctx context.Context, layerID string) error {
	return c.call(ctx, MethodShowLayerDataTable, layerParams{LayerID: layerID}, nil)
}

func (c *Client) Viewport(ctx context.Context) (model.Viewport, error) {
	var out model.Viewport
	if err := c.call(ctx, MethodViewport, nil, &out); err != nil {
		return model.Viewport{}, err
	}
	return out, nil
}

func (c *Client) OnLayerChange(layerID string, fn func(model.Layer)) (mapservice.Unsubscribe, error) {
	return c.hub.OnLayerChange(layerID, fn)
}

func (c *Client) OnLayerGroupChange(groupID string, fn func(model.Group)) (mapservice.Unsubscribe, error) {
	return c.hub.OnLayerGroupChange(groupID, fn)
}

func (c *Client) OnViewportMove(fn func(model.Viewport)) (mapservice.Unsubscribe, error) {
	return c.hub.OnViewportMove(fn)
}

// Hub exposes the local fan-out, e.g. for the change feed to publish into.
func (c *Client) Hub() *mapservice.Hub { return c.hub }
