package model

import "time"

// Facility is one row of the reference gazetteer.
type Facility struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	NameKey  string  `json:"name_key" yaml:"-"`
	Country  string  `json:"country" yaml:"country"`
	District string  `json:"district,omitempty" yaml:"district"`
	Type     string  `json:"type,omitempty" yaml:"type"`
	Lat      float64 `json:"lat" yaml:"lat"`
	Lng      float64 `json:"lng" yaml:"lng"`
}

// ValidatedLocation is a location a human or the engine has approved.
// It feeds the validated provider on later lookups.
type ValidatedLocation struct {
	NameKey     string    `json:"name_key"`
	Name        string    `json:"name"`
	Country     string    `json:"country,omitempty"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Source      Source    `json:"source"`
	ValidatedBy string    `json:"validated_by,omitempty"`
	ValidatedAt time.Time `json:"validated_at"`
}

// DecisionEvent is emitted whenever a result reaches a decided status.
type DecisionEvent struct {
	QueryID           string      `json:"query_id"`
	BatchID           string      `json:"batch_id"`
	Name              string      `json:"name"`
	Country           string      `json:"country,omitempty"`
	Cycle             int         `json:"cycle"`
	Status            Status      `json:"status"`
	ConfidenceScore   float64     `json:"confidence_score"`
	RecommendedSource Source      `json:"recommended_source,omitempty"`
	Final             *Coordinate `json:"final,omitempty"`
	Actor             string      `json:"actor,omitempty"`
	At                time.Time   `json:"at"`
}
