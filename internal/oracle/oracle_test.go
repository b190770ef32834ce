package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/resolve"
	"github.com/sells-group/facility-locator/pkg/anthropic"
)

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

type fakeGenerator struct {
	resp  *genai.GenerateContentResponse
	err   error
	model string
	cfg   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, _ []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.cfg = model, cfg
	return f.resp, f.err
}

func testRequest() resolve.OracleRequest {
	return resolve.OracleRequest{
		Query:   "Harare Central Hospital",
		Country: "ZW",
		Sources: []resolve.SourceEvidence{
			{Source: model.SourceGoogle, Lat: -17.82, Lng: 31.05, Address: "Harare", Reliability: 0.7},
			{Source: model.SourceGazetteer, Lat: -17.90, Lng: 31.20, Address: "Harare Central Hospital", Reliability: 0.9},
		},
		Distances:      []model.PairDistance{{A: model.SourceGazetteer, B: model.SourceGoogle, Km: 17.5}},
		MaxDistanceKm:  17.5,
		AgreementLevel: model.AgreementLow,
	}
}

const verdictJSON = `{"recommendedSource":"gazetteer","confidence":0.8,"reasoning":"named match"}`

func TestBuildPrompt(t *testing.T) {
	p, err := BuildPrompt(testRequest())
	require.NoError(t, err)
	assert.Contains(t, p, "Facility: Harare Central Hospital (country ZW)")
	assert.Contains(t, p, `"maxDistanceKm": 17.5`)
	assert.Contains(t, p, `"source": "gazetteer"`)
}

func TestExtractJSON(t *testing.T) {
	tests := map[string]string{
		"plain":  verdictJSON,
		"fenced": "```json\n" + verdictJSON + "\n```",
		"prose":  "Here is my answer:\n" + verdictJSON + "\nThanks.",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := ExtractJSON(in)
			require.NoError(t, err)
			assert.JSONEq(t, verdictJSON, string(out))
		})
	}

	_, err := ExtractJSON("google, definitely")
	assert.ErrorIs(t, err, resolve.ErrOracleMalformed)
}

func TestClaude_Consult(t *testing.T) {
	mc := new(mockAnthropic)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == DefaultClaudeModel && req.Temperature != nil && *req.Temperature == 0 &&
			req.System == systemPrompt && len(req.Messages) == 1
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "```json\n" + verdictJSON + "\n```"}},
	}, nil)

	raw, err := NewClaude(mc, "", 0).Consult(context.Background(), testRequest())
	require.NoError(t, err)
	assert.JSONEq(t, verdictJSON, string(raw))
	mc.AssertExpectations(t)
}

func TestClaude_ConsultUnavailable(t *testing.T) {
	mc := new(mockAnthropic)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("529 overloaded"))

	_, err := NewClaude(mc, "claude-sonnet-4-5-20250929", 512).Consult(context.Background(), testRequest())
	assert.ErrorIs(t, err, resolve.ErrOracleUnavailable)
}

func TestGemini_Consult(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: verdictJSON}}},
		}},
	}}

	raw, err := newGemini(gen, "").Consult(context.Background(), testRequest())
	require.NoError(t, err)
	assert.JSONEq(t, verdictJSON, string(raw))
	assert.Equal(t, DefaultGeminiModel, gen.model)
	require.NotNil(t, gen.cfg)
	assert.Equal(t, "application/json", gen.cfg.ResponseMIMEType)
}

func TestGemini_Failures(t *testing.T) {
	_, err := newGemini(&fakeGenerator{err: errors.New("quota")}, "m").Consult(context.Background(), testRequest())
	assert.ErrorIs(t, err, resolve.ErrOracleUnavailable)

	_, err = newGemini(&fakeGenerator{resp: &genai.GenerateContentResponse{}}, "m").Consult(context.Background(), testRequest())
	assert.ErrorIs(t, err, resolve.ErrOracleMalformed)
}

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), "", "")
	require.Error(t, err)
}
