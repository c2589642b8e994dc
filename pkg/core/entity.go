// pkg/core/entity.go
package core

import "time"

// EntityKind distinguishes collectibles from partner markers.
type EntityKind string

const (
	KindCollectible EntityKind = "collectible"
	KindPartner     EntityKind = "partner"
)

// NearbyEntity is a collectible or a partner marker returned by a nearby query.
type NearbyEntity struct {
	ID        string     `json:"id"`
	Kind      EntityKind `json:"kind"`
	Title     string     `json:"title"`
	Category  string     `json:"category,omitempty"`
	Rarity    string     `json:"rarity,omitempty"`
	Points    int        `json:"points"`
	Position  Position   `json:"position"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the entity has an expiry at or before now.
func (e NearbyEntity) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// NearbyPlayer is another player's marker shown on the map.
type NearbyPlayer struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Position    Position  `json:"position"`
	SeenAt      time.Time `json:"seenAt"`
}

// NearbyResult is the payload of a nearby-entity query.
type NearbyResult struct {
	Entities []NearbyEntity `json:"entities"`
	Partners []NearbyEntity `json:"partners"`
}
