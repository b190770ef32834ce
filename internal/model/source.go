// Package model holds the domain types shared by the geocoding engine.
package model

import (
	"github.com/rotisserie/eris"
)

// Source identifies a geocoding provider. The set is closed: every switch
// over Source in this module is expected to be exhaustive.
type Source string

const (
	SourceValidated Source = "validated" // previously approved locations
	SourceGazetteer Source = "gazetteer" // reference health-facility list
	SourceGoogle    Source = "google"
	SourceArcGIS    Source = "arcgis"
	SourceNominatim Source = "nominatim"
)

// Sources lists every provider in fixed priority order, highest first.
var Sources = []Source{
	SourceValidated,
	SourceGazetteer,
	SourceGoogle,
	SourceArcGIS,
	SourceNominatim,
}

// SourceClass groups providers by how much their answers are trusted.
type SourceClass string

const (
	ClassAuthoritative SourceClass = "authoritative"
	ClassCommercial    SourceClass = "commercial"
	ClassCommunity     SourceClass = "community"
)

// Class returns the reliability class of the source.
func (s Source) Class() SourceClass {
	switch s {
	case SourceValidated, SourceGazetteer:
		return ClassAuthoritative
	case SourceGoogle, SourceArcGIS:
		return ClassCommercial
	case SourceNominatim:
		return ClassCommunity
	default:
		return ClassCommunity
	}
}

// Priority returns the position of s in the fixed priority order. Lower is
// preferred. Unknown sources sort last.
func (s Source) Priority() int {
	for i, src := range Sources {
		if src == s {
			return i
		}
	}
	return len(Sources)
}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	return s.Priority() < len(Sources)
}

// ParseSource converts a configuration or wire string into a Source.
func ParseSource(v string) (Source, error) {
	s := Source(v)
	if !s.Valid() {
		return "", eris.Errorf("model: unknown source %q", v)
	}
	return s, nil
}
