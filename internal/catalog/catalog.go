// Package catalog holds the descriptive data the UI shows for each body.
// The data is embedded at build time and cross-checked against the
// ephemeris element table on load.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/star/orrery/internal/ephemeris"
)

//go:embed bodies.yaml
var bodiesYAML []byte

// ErrNotFound is returned by Get for names not in the catalog.
var ErrNotFound = errors.New("body not found")

// Kind distinguishes the central star from orbiting planets.
type Kind string

const (
	KindStar   Kind = "star"
	KindPlanet Kind = "planet"
)

// Body is one catalog entry.
type Body struct {
	Name                string  `yaml:"name" json:"name"`
	Kind                Kind    `yaml:"kind" json:"kind"`
	Radius              float64 `yaml:"radius" json:"radius_earth"`
	Mass                float64 `yaml:"mass" json:"mass_earth"`
	OrbitRadiusAU       float64 `yaml:"orbit_radius_au" json:"orbit_radius_au"`
	OrbitPeriodYears    float64 `yaml:"orbit_period_years" json:"orbit_period_years"`
	RotationPeriodHours float64 `yaml:"rotation_period_hours" json:"rotation_period_hours"`
	Color               string  `yaml:"color" json:"color"`
	Moons               int     `yaml:"moons" json:"moons"`
	Composition         string  `yaml:"composition" json:"composition"`
	Description         string  `yaml:"description" json:"description"`
	FunFact             string  `yaml:"fun_fact" json:"fun_fact"`
}

type document struct {
	Bodies []Body `yaml:"bodies"`
}

// Catalog is an immutable, ordered set of bodies. Safe for concurrent reads.
type Catalog struct {
	bodies []Body
	index  map[string]int
}

// Load parses the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(bodiesYAML)
}

// Parse builds a catalog from a YAML document and checks that the planets it
// lists are exactly the bodies the ephemeris tracks.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		bodies: doc.Bodies,
		index:  make(map[string]int, len(doc.Bodies)),
	}

	planets := make(map[string]bool)
	for i, b := range doc.Bodies {
		if b.Name == "" {
			return nil, fmt.Errorf("catalog entry %d has no name", i)
		}
		key := strings.ToLower(b.Name)
		if _, dup := c.index[key]; dup {
			return nil, fmt.Errorf("duplicate catalog entry %q", b.Name)
		}
		c.index[key] = i

		switch b.Kind {
		case KindStar:
		case KindPlanet:
			if _, ok := ephemeris.Elements(b.Name); !ok {
				return nil, fmt.Errorf("planet %q has no orbital elements", b.Name)
			}
			planets[b.Name] = true
		default:
			return nil, fmt.Errorf("catalog entry %q has unknown kind %q", b.Name, b.Kind)
		}
	}

	for _, name := range ephemeris.Bodies() {
		if !planets[name] {
			return nil, fmt.Errorf("tracked body %q missing from catalog", name)
		}
	}

	return c, nil
}

// All returns every body in catalog order (Sun first).
func (c *Catalog) All() []Body {
	out := make([]Body, len(c.bodies))
	copy(out, c.bodies)
	return out
}

// Planets returns the orbiting bodies in catalog order.
func (c *Catalog) Planets() []Body {
	var out []Body
	for _, b := range c.bodies {
		if b.Kind == KindPlanet {
			out = append(out, b)
		}
	}
	return out
}

// Get looks a body up by case-insensitive name.
func (c *Catalog) Get(name string) (Body, error) {
	i, ok := c.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Body{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return c.bodies[i], nil
}
