package scoring

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/facility-locator/internal/model"
)

// Reliability maps sources to a static trust weight. A per-source entry
// wins over the class entry.
type Reliability struct {
	Classes map[model.SourceClass]float64 `yaml:"classes"`
	Sources map[model.Source]float64      `yaml:"sources"`
}

// DefaultReliability ranks authoritative > commercial > community.
func DefaultReliability() Reliability {
	return Reliability{
		Classes: map[model.SourceClass]float64{
			model.ClassAuthoritative: 0.9,
			model.ClassCommercial:    0.7,
			model.ClassCommunity:     0.5,
		},
	}
}

// Score returns the reliability of src, or 0 for an empty source.
func (r Reliability) Score(src model.Source) float64 {
	if src == "" {
		return 0
	}
	if v, ok := r.Sources[src]; ok {
		return v
	}
	return r.Classes[src.Class()]
}

// LoadReliability reads a YAML reliability table from path. Missing class
// entries keep their defaults.
func LoadReliability(path string) (Reliability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Reliability{}, eris.Wrapf(err, "scoring: read reliability file %s", path)
	}

	var file Reliability
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Reliability{}, eris.Wrap(err, "scoring: parse reliability file")
	}

	out := DefaultReliability()
	for class, v := range file.Classes {
		if v < 0 || v > 1 {
			return Reliability{}, eris.Errorf("scoring: reliability for class %s out of range: %v", class, v)
		}
		out.Classes[class] = v
	}
	for src, v := range file.Sources {
		if !src.Valid() {
			return Reliability{}, eris.Errorf("scoring: unknown source %q in reliability file", src)
		}
		if v < 0 || v > 1 {
			return Reliability{}, eris.Errorf("scoring: reliability for source %s out of range: %v", src, v)
		}
		if out.Sources == nil {
			out.Sources = make(map[model.Source]float64)
		}
		out.Sources[src] = v
	}
	return out, nil
}
