package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

// Server exposes a local map service to bridge clients.
type Server struct {
	svc      mapservice.Service
	log      *slog.Logger
	upgrader websocket.Upgrader
	timeout  time.Duration
}

// Handler returns an http.Handler that serves svc over the bridge protocol.
func Handler(svc mapservice.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		svc: svc,
		log: log.With("component", "wsbridge-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		timeout: 10 * time.Second,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	sess := &session{
		srv:  s,
		conn: conn,
		subs: make(map[mapservice.Topic]mapservice.Unsubscribe),
	}
	s.log.Info("bridge client connected", "remote", r.RemoteAddr)
	sess.run(r.Context())
	s.log.Info("bridge client disconnected", "remote", r.RemoteAddr)
}

type session struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[mapservice.Topic]mapservice.Unsubscribe
}

func (s *session) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()
		for _, unsub := range subs {
			_ = unsub()
		}
		_ = s.conn.Close()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeCall {
			s.srv.log.Warn("dropping frame", "err", err, "type", env.Type)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.srv.timeout)
		result, err := s.dispatch(callCtx, env.Method, env.Params)
		cancel()

		res := Envelope{Type: TypeResult, ID: env.ID}
		if err != nil {
			res.Error = err.Error()
		} else if result != nil {
			if res.Result, err = json.Marshal(result); err != nil {
				res.Error = err.Error()
			}
		}
		if err := s.send(res); err != nil {
			return
		}
	}
}

func (s *session) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) event(kind mapservice.Kind, id string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.srv.log.Error("encode event", "event", kind, "err", err)
		return
	}
	if err := s.send(Envelope{Type: TypeEvent, Event: kind, ID: id, Payload: raw}); err != nil {
		s.srv.log.Debug("event not delivered", "event", kind, "entity_id", id, "err", err)
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("bad params: %w", err)
	}
	return v, nil
}

func (s *session) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	svc := s.srv.svc
	switch method {
	case MethodLayers:
		return svc.Layers(ctx)
	case MethodLayerGroups:
		return svc.LayerGroups(ctx)
	case MethodViewport:
		return svc.Viewport(ctx)
	case MethodLayerFilters:
		p, err := decode[layerParams](params)
		if err != nil {
			return nil, err
		}
		return svc.LayerFilters(ctx, p.LayerID)
	case MethodSetLayerFilters:
		p, err := decode[filterParams](params)
		if err != nil {
			return nil, err
		}
		expr, err := model.ParseExpression(p.Filters)
		if err != nil {
			return nil, err
		}
		return nil, svc.SetLayerFilters(ctx, p.LayerID, expr)
	case MethodSetLayerVisibility:
		req, err := decode[model.VisibilityRequest](params)
		if err != nil {
			return nil, err
		}
		return nil, svc.SetLayerVisibility(ctx, req)
	case MethodSetLayerGroupVisibility:
		req, err := decode[model.VisibilityRequest](params)
		if err != nil {
			return nil, err
		}
		return nil, svc.SetLayerGroupVisibility(ctx, req)
	case MethodFitViewportToBounds:
		b, err := decode[model.Bounds](params)
		if err != nil {
			return nil, err
		}
		return nil, svc.FitViewportToBounds(ctx, b)
	case MethodShowLayerDataTable:
		p, err := decode[layerParams](params)
		if err != nil {
			return nil, err
		}
		return nil, svc.ShowLayerDataTable(ctx, p.LayerID)
	case MethodSubscribe:
		p, err := decode[topicParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.subscribe(p)
	case MethodUnsubscribe:
		p, err := decode[topicParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.unsubscribe(p)
	}
	return nil, fmt.Errorf("unknown method %q", method)
}

func (s *session) subscribe(p topicParams) error {
	t, err := p.topic()
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, dup := s.subs[t]
	s.mu.Unlock()
	if dup {
		return nil
	}

	svc := s.srv.svc
	var unsub mapservice.Unsubscribe
	switch t.Kind {
	case mapservice.KindLayer:
		unsub, err = svc.OnLayerChange(t.ID, func(l model.Layer) { s.event(t.Kind, t.ID, l) })
	case mapservice.KindGroup:
		unsub, err = svc.OnLayerGroupChange(t.ID, func(g model.Group) { s.event(t.Kind, t.ID, g) })
	case mapservice.KindViewport:
		unsub, err = svc.OnViewportMove(func(v model.Viewport) { s.event(t.Kind, "", v) })
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		return unsub()
	}
	s.subs[t] = unsub
	return nil
}

func (s *session) unsubscribe(p topicParams) error {
	t, err := p.topic()
	if err != nil {
		return err
	}
	s.mu.Lock()
	unsub := s.subs[t]
	delete(s.subs, t)
	s.mu.Unlock()
	if unsub == nil {
		return nil
	}
	return unsub()
}
