package memory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
)

// Seed is the initial content of an emulated map.
type Seed struct {
	MapID  string        `yaml:"map_id"`
	Layers []model.Layer `yaml:"layers"`
	Groups []model.Group `yaml:"groups"`
	// BaseFilters maps layer id to a filter in wire form, e.g.
	// '["Area_ha","ge",0]'. They are and-joined with ephemeral filters.
	BaseFilters map[string]string `yaml:"base_filters"`
	Viewport    model.Viewport    `yaml:"viewport"`
}

func ParseSeed(data []byte) (Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	seen := make(map[string]struct{}, len(s.Layers))
	for i, l := range s.Layers {
		if l.ID == "" {
			return Seed{}, fmt.Errorf("seed layer %d: missing id", i)
		}
		if _, dup := seen[l.ID]; dup {
			return Seed{}, fmt.Errorf("seed layer %q: duplicate id", l.ID)
		}
		seen[l.ID] = struct{}{}
	}
	for i, g := range s.Groups {
		if g.ID == "" {
			return Seed{}, fmt.Errorf("seed group %d: missing id", i)
		}
	}
	for id := range s.BaseFilters {
		if _, ok := seen[id]; !ok {
			return Seed{}, fmt.Errorf("base filter for unknown layer %q", id)
		}
	}
	return s, nil
}

func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	return ParseSeed(data)
}

// DefaultSeed is a small map used when no seed file is configured.
func DefaultSeed() Seed {
	return Seed{
		MapID: "demo",
		Groups: []model.Group{
			{ID: "g-land", Name: "Land use", Visible: true},
		},
		Layers: []model.Layer{
			{
				ID: "l-boundary", Name: "Council boundary", GeometryType: model.GeometryLine, Visible: true,
				Bounds: &model.Bounds{West: -0.51, South: 51.28, East: 0.33, North: 51.69},
			},
			{
				ID: "l-green-belt", GroupID: "g-land", Name: "Green Belt", GeometryType: model.GeometryPolygon, Visible: true,
				Caption: "Designated green belt parcels",
				Bounds:  &model.Bounds{West: -0.45, South: 51.30, East: 0.25, North: 51.65},
			},
			{ID: "l-parks", GroupID: "g-land", Name: "Parks", GeometryType: model.GeometryPolygon, Visible: false},
			{ID: "l-stations", Name: "Stations", GeometryType: model.GeometryPoint, Visible: true},
		},
		Viewport: model.Viewport{Center: model.LatLng{Latitude: 51.5, Longitude: -0.12}, Zoom: 9},
	}
}
