package oracle

import (
	"context"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/facility-locator/internal/resolve"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// contentGenerator is the part of *genai.Models the oracle uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini consults a Google Gemini model through the Gemini API.
type Gemini struct {
	models contentGenerator
	model  string
}

// NewGemini creates a Gemini oracle using an AI Studio API key.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, eris.New("oracle: gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, eris.Wrap(err, "oracle: create gemini client")
	}
	return newGemini(client.Models, model), nil
}

func newGemini(models contentGenerator, model string) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{models: models, model: model}
}

// Consult implements resolve.Oracle.
func (g *Gemini) Consult(ctx context.Context, req resolve.OracleRequest) ([]byte, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return nil, err
	}

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
	})
	if err != nil {
		return nil, eris.Wrapf(resolve.ErrOracleUnavailable, "oracle: gemini: %v", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, eris.Wrap(resolve.ErrOracleMalformed, "oracle: gemini returned no candidates")
	}
	return ExtractJSON(resp.Text())
}
