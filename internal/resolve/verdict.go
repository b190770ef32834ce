package resolve

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facility-locator/internal/model"
)

// Verdict is a validated oracle answer.
type Verdict struct {
	RecommendedSource model.Source   `json:"recommendedSource"`
	Confidence        float64        `json:"confidence"`
	Reasoning         string         `json:"reasoning"`
	OutlierSources    []model.Source `json:"outlierSources,omitempty"`
	RedFlags          []string       `json:"redFlags,omitempty"`
}

// rawVerdict mirrors the wire schema with pointers so missing required
// fields can be told apart from zero values.
type rawVerdict struct {
	RecommendedSource *string  `json:"recommendedSource"`
	Confidence        *float64 `json:"confidence"`
	Reasoning         *string  `json:"reasoning"`
	OutlierSources    []string `json:"outlierSources"`
	RedFlags          []string `json:"redFlags"`
}

// ParseVerdict decodes and validates an oracle response. successful holds
// the sources that returned a coordinate; the recommended source must be
// one of them. Every violation wraps ErrOracleMalformed.
func ParseVerdict(raw []byte, successful []model.Source) (*Verdict, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var rv rawVerdict
	if err := dec.Decode(&rv); err != nil {
		return nil, malformed("decode: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, malformed("trailing data after verdict")
	}

	if rv.RecommendedSource == nil {
		return nil, malformed("recommendedSource is required")
	}
	if rv.Confidence == nil {
		return nil, malformed("confidence is required")
	}
	if rv.Reasoning == nil || strings.TrimSpace(*rv.Reasoning) == "" {
		return nil, malformed("reasoning is required")
	}

	rec, err := model.ParseSource(*rv.RecommendedSource)
	if err != nil {
		return nil, malformed("recommendedSource: %v", err)
	}
	if !contains(successful, rec) {
		return nil, malformed("recommendedSource %q did not return a coordinate", rec)
	}

	conf := *rv.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return nil, malformed("confidence %v outside [0,1]", conf)
	}

	v := &Verdict{
		RecommendedSource: rec,
		Confidence:        conf,
		Reasoning:         strings.TrimSpace(*rv.Reasoning),
		RedFlags:          rv.RedFlags,
	}
	for _, s := range rv.OutlierSources {
		src, err := model.ParseSource(s)
		if err != nil {
			return nil, malformed("outlierSources: %v", err)
		}
		v.OutlierSources = append(v.OutlierSources, src)
	}
	if contains(v.OutlierSources, rec) {
		return nil, malformed("recommendedSource %q is also listed as an outlier", rec)
	}
	return v, nil
}

func malformed(format string, args ...any) error {
	return eris.Wrapf(ErrOracleMalformed, format, args...)
}

func contains(srcs []model.Source, s model.Source) bool {
	for _, x := range srcs {
		if x == s {
			return true
		}
	}
	return false
}
