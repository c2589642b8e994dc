package signal

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog lists the push event names the router knows about.
type Catalog struct {
	// Refresh names all imply "re-fetch nearby entities".
	Refresh []string `yaml:"refresh"`
	// Wrappers are generic envelopes whose payload carries the real name in "type".
	Wrappers []string `yaml:"wrappers"`
}

// DefaultCatalog returns the built-in event names.
func DefaultCatalog() Catalog {
	return Catalog{
		Refresh: []string{
			"collectible_spawned",
			"collectible_updated",
			"collectible_captured",
			"collectible_expired",
			"partner_updated",
			"partner_opened",
			"partner_closed",
			"partner_offer_changed",
			"market_state_changed",
			"nearby_changed",
		},
		Wrappers: []string{
			"event",
			"broadcast",
			"realtime",
		},
	}
}

// LoadCatalog reads a YAML catalog file. Sections missing from the file
// keep their defaults.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("reading signal catalog: %w", err)
	}

	var file Catalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Catalog{}, fmt.Errorf("parsing signal catalog: %w", err)
	}

	cat := DefaultCatalog()
	if len(file.Refresh) > 0 {
		cat.Refresh = file.Refresh
	}
	if len(file.Wrappers) > 0 {
		cat.Wrappers = file.Wrappers
	}
	return cat, nil
}
