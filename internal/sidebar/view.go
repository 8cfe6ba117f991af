package sidebar

import (
	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/filter"
	"github.com/mohammed-shakir/map-sidebar/internal/layertree"
)

type LayerView struct {
	model.Layer
	Filter *filter.View `json:"filter,omitempty"`
}

// NodeView is one rendered tree node. Group children are omitted while the
// group is hidden; their rows stay subscribed.
type NodeView struct {
	Kind     layertree.Kind `json:"kind"`
	ID       string         `json:"id"`
	Layer    *LayerView     `json:"layer,omitempty"`
	Group    *model.Group   `json:"group,omitempty"`
	Resolved bool           `json:"resolved"`
	Children []LayerView    `json:"children,omitempty"`
}

// Tree renders the forest from the rows' live values.
func (s *Session) Tree() ([]NodeView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return nil, ErrNotLoaded
	}

	out := make([]NodeView, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Kind == layertree.KindLayer {
			lv := s.layerView(n.Layer)
			out = append(out, NodeView{Kind: n.Kind, ID: n.ID(), Layer: &lv, Resolved: true})
			continue
		}

		nv := NodeView{Kind: n.Kind, ID: n.ID(), Resolved: n.Resolved()}
		visible := true
		if row, ok := s.groups[n.GroupID]; ok {
			g := row.sync.Current()
			nv.Group = &g
			visible = g.Visible || !nv.Resolved
		}
		if visible {
			nv.Children = make([]LayerView, 0, len(n.Children))
			for _, c := range n.Children {
				nv.Children = append(nv.Children, s.layerView(c))
			}
		}
		out = append(out, nv)
	}
	return out, nil
}

// layerView renders seed's row. Caller holds s.mu.
func (s *Session) layerView(seed model.Layer) LayerView {
	row, ok := s.layers[seed.ID]
	if !ok {
		return LayerView{Layer: seed}
	}
	lv := LayerView{Layer: row.sync.Current()}
	if row.filter != nil {
		v := row.filter.View()
		lv.Filter = &v
	}
	return lv
}
