// Package model defines core domain types shared across the service.
package model

import "fmt"

type GeometryType string

const (
	GeometryPolygon GeometryType = "Polygon"
	GeometryPoint   GeometryType = "Point"
	GeometryLine    GeometryType = "Line"
	GeometryRaster  GeometryType = "Raster"
)

// Bounds is a geographic extent in degrees.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// String representation matching the bbox order used by the map service
func (b Bounds) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

type Layer struct {
	ID           string       `json:"id" yaml:"id"`
	GroupID      string       `json:"groupId,omitempty" yaml:"group_id"`
	Name         string       `json:"name" yaml:"name"`
	Caption      string       `json:"caption,omitempty" yaml:"caption"`
	GeometryType GeometryType `json:"geometryType,omitempty" yaml:"geometry_type"`
	Visible      bool         `json:"visible" yaml:"visible"`
	Bounds       *Bounds      `json:"bounds,omitempty" yaml:"bounds"`
}

type Group struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Visible bool   `json:"visible" yaml:"visible"`
}

type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Viewport struct {
	Center LatLng  `json:"center"`
	Zoom   float64 `json:"zoom"`
}

// VisibilityRequest carries ids to show or hide; one of the two is set.
type VisibilityRequest struct {
	Show []string `json:"show,omitempty"`
	Hide []string `json:"hide,omitempty"`
}

func ShowIDs(ids ...string) VisibilityRequest { return VisibilityRequest{Show: ids} }

func HideIDs(ids ...string) VisibilityRequest { return VisibilityRequest{Hide: ids} }

// CompactLayers drops nil entries, keeping order.
func CompactLayers(in []*Layer) []Layer {
	out := make([]Layer, 0, len(in))
	for _, l := range in {
		if l == nil {
			continue
		}
		out = append(out, *l)
	}
	return out
}

// CompactGroups drops nil entries, keeping order.
func CompactGroups(in []*Group) []Group {
	out := make([]Group, 0, len(in))
	for _, g := range in {
		if g == nil {
			continue
		}
		out = append(out, *g)
	}
	return out
}
