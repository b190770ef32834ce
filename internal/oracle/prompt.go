// Package oracle implements advisory oracle backends that adjudicate
// disagreement between geocoding providers.
package oracle

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facility-locator/internal/resolve"
)

const systemPrompt = `You review geocoding results for health facilities in sub-Saharan Africa.
Several providers returned coordinates for the same facility name and they disagree.
Pick the single provider whose coordinate most likely marks the real facility.

Consider:
- whether the provider's address text actually names the facility or only a town or road
- which providers agree with each other (see the pairwise distances)
- provider reliability (validated and gazetteer are curated lists, google and arcgis are commercial, nominatim is community data)
- whether a coordinate is implausibly far from the others

Answer with one JSON object and nothing else:
{"recommendedSource": "<one of the listed sources>", "confidence": <number between 0 and 1>, "reasoning": "<one or two sentences>", "outlierSources": ["<source>", ...], "redFlags": ["<short note>", ...]}
outlierSources and redFlags may be empty arrays. Do not add other fields.`

// BuildPrompt renders the user message for a request.
func BuildPrompt(req resolve.OracleRequest) (string, error) {
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "oracle: marshal request")
	}

	var b strings.Builder
	b.WriteString("Facility: ")
	b.WriteString(req.Query)
	if req.Country != "" {
		b.WriteString(" (country ")
		b.WriteString(req.Country)
		b.WriteString(")")
	}
	b.WriteString("\n\nProvider results:\n")
	b.Write(body)
	return b.String(), nil
}

// ExtractJSON pulls the outermost JSON object out of a model reply,
// tolerating code fences and surrounding prose. The result still has to
// pass resolve.ParseVerdict.
func ExtractJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, eris.Wrap(resolve.ErrOracleMalformed, "oracle: no JSON object in reply")
	}
	return bytes.TrimSpace([]byte(text[start : end+1])), nil
}
