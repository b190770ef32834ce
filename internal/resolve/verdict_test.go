package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facility-locator/internal/model"
)

var successful = []model.Source{model.SourceGoogle, model.SourceArcGIS, model.SourceNominatim}

func TestParseVerdict_Valid(t *testing.T) {
	t.Parallel()

	v, err := ParseVerdict([]byte(`{
		"recommendedSource": "arcgis",
		"confidence": 0.82,
		"reasoning": "  two sources agree  ",
		"outlierSources": ["nominatim"],
		"redFlags": ["nominatim matched a street"]
	}`), successful)
	require.NoError(t, err)
	assert.Equal(t, model.SourceArcGIS, v.RecommendedSource)
	assert.Equal(t, 0.82, v.Confidence)
	assert.Equal(t, "two sources agree", v.Reasoning)
	assert.Equal(t, []model.Source{model.SourceNominatim}, v.OutlierSources)
	assert.Len(t, v.RedFlags, 1)
}

func TestParseVerdict_Violations(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"empty":              ``,
		"array":              `[]`,
		"unknown field":      `{"recommendedSource":"google","confidence":0.5,"reasoning":"r","extra":1}`,
		"missing source":     `{"confidence":0.5,"reasoning":"r"}`,
		"missing confidence": `{"recommendedSource":"google","reasoning":"r"}`,
		"missing reasoning":  `{"recommendedSource":"google","confidence":0.5}`,
		"blank reasoning":    `{"recommendedSource":"google","confidence":0.5,"reasoning":"  "}`,
		"unknown source":     `{"recommendedSource":"bing","confidence":0.5,"reasoning":"r"}`,
		"unsuccessful":       `{"recommendedSource":"gazetteer","confidence":0.5,"reasoning":"r"}`,
		"confidence high":    `{"recommendedSource":"google","confidence":1.5,"reasoning":"r"}`,
		"confidence low":     `{"recommendedSource":"google","confidence":-0.1,"reasoning":"r"}`,
		"confidence string":  `{"recommendedSource":"google","confidence":"high","reasoning":"r"}`,
		"bad outlier":        `{"recommendedSource":"google","confidence":0.5,"reasoning":"r","outlierSources":["bing"]}`,
		"self outlier":       `{"recommendedSource":"google","confidence":0.5,"reasoning":"r","outlierSources":["google"]}`,
		"trailing":           `{"recommendedSource":"google","confidence":0.5,"reasoning":"r"} {}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseVerdict([]byte(raw), successful)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrOracleMalformed)
		})
	}
}
