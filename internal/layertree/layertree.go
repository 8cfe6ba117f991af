// Package layertree groups the map service's flat layer list into the
// sidebar's two-level forest.
package layertree

import "github.com/mohammed-shakir/map-sidebar/internal/core/model"

type Kind string

const (
	KindLayer Kind = "layer"
	KindGroup Kind = "layerGroup"
)

// Node is either a standalone layer or a group with its member layers.
// Group is nil when GroupID is not present in the group list.
type Node struct {
	Kind     Kind
	Layer    model.Layer
	GroupID  string
	Group    *model.Group
	Children []model.Layer
}

// ID returns the entity id the node is keyed by.
func (n Node) ID() string {
	if n.Kind == KindGroup {
		return n.GroupID
	}
	return n.Layer.ID
}

// Resolved reports whether a group node found its group.
func (n Node) Resolved() bool { return n.Kind == KindLayer || n.Group != nil }

// Assemble walks layers once. Layers without a group are appended as they
// come; a group node is placed where its first member appears and later
// members are appended to its children.
func Assemble(layers []model.Layer, groups []model.Group) []Node {
	byID := make(map[string]int, len(groups))
	for i := range groups {
		if _, dup := byID[groups[i].ID]; !dup {
			byID[groups[i].ID] = i
		}
	}

	out := make([]Node, 0, len(layers))
	seen := make(map[string]int)
	for _, l := range layers {
		if l.GroupID == "" {
			out = append(out, Node{Kind: KindLayer, Layer: l})
			continue
		}
		if pos, ok := seen[l.GroupID]; ok {
			out[pos].Children = append(out[pos].Children, l)
			continue
		}
		n := Node{Kind: KindGroup, GroupID: l.GroupID, Children: []model.Layer{l}}
		if gi, ok := byID[l.GroupID]; ok {
			g := groups[gi]
			n.Group = &g
		}
		seen[l.GroupID] = len(out)
		out = append(out, n)
	}
	return out
}
