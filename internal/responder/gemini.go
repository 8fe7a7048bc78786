package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const systemInstruction = `You are the first-line support assistant for a customer service team.
Answer the visitor's question from general product knowledge, in the visitor's language.
Set needsEscalation to true when you cannot answer, when the visitor asks for a human,
or when the visitor is clearly frustrated. Use reason "missing_knowledge",
"visitor_request" or "sentiment" accordingly. Keep replies short and concrete.`

// GeminiGenerator produces structured replies through the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGemini creates a generator bound to the given model.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

var _ Generator = (*GeminiGenerator)(nil)

var resultSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"reply":           {Type: genai.TypeString},
		"needsEscalation": {Type: genai.TypeBoolean},
		"reason":          {Type: genai.TypeString},
	},
	Required: []string{"reply", "needsEscalation"},
}

// Generate asks the model for a reply and escalation decision. The response
// is constrained to the result schema so parsing failures only happen when
// the API itself misbehaves.
func (g *GeminiGenerator) Generate(ctx context.Context, history []Turn, message string) (*Result, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		role := genai.RoleUser
		if t.Origin != "visitor" {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(t.Body)},
		})
	}
	contents = append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{genai.NewPartFromText(message)},
	})

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(systemInstruction)}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    resultSchema,
		Temperature:       genai.Ptr[float32](0.3),
	})
	if err != nil {
		return nil, fmt.Errorf("responder generation failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("responder returned empty response")
	}

	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("failed to parse responder output: %w", err)
	}
	if result.NeedsEscalation && result.Reason == "" {
		result.Reason = ReasonMissingKnowledge
	}
	return &result, nil
}
