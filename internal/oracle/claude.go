package oracle

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facility-locator/internal/resolve"
	"github.com/sells-group/facility-locator/pkg/anthropic"
)

// DefaultClaudeModel is used when no model is configured.
const DefaultClaudeModel = "claude-haiku-4-5-20251001"

// Claude consults an Anthropic model.
type Claude struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewClaude creates a Claude oracle.
func NewClaude(client anthropic.Client, model string, maxTokens int64) *Claude {
	if model == "" {
		model = DefaultClaudeModel
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Claude{client: client, model: model, maxTokens: maxTokens}
}

// Consult implements resolve.Oracle.
func (c *Claude) Consult(ctx context.Context, req resolve.OracleRequest) ([]byte, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return nil, err
	}

	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      systemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrapf(resolve.ErrOracleUnavailable, "oracle: claude: %v", err)
	}
	resp.Usage.LogCost(c.model, "oracle")

	return ExtractJSON(resp.Text())
}
