package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	genai "google.golang.org/genai"
)

// GeminiClient is a thin wrapper around the official genai client. It only
// focuses on the API calls themselves; retries and rate limiting belong to
// the callers' failure-isolation policy (a failed call is a failed candidate,
// never a pipeline-fatal error).
type GeminiClient struct {
	cli        *genai.Client
	imageModel string
	judgeModel string
}

const (
	defaultGeminiImageModel = "gemini-2.5-flash-image"
	defaultGeminiJudgeModel = "gemini-2.5-flash"
)

// NewGeminiClient builds the client. The genai SDK reads GEMINI_API_KEY from
// the environment when apiKey is empty; the parameter is kept for a
// consistent factory signature.
func NewGeminiClient(ctx context.Context, apiKey, imageModel, judgeModel string) (*GeminiClient, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(imageModel) == "" {
		imageModel = defaultGeminiImageModel
	}
	if strings.TrimSpace(judgeModel) == "" {
		judgeModel = defaultGeminiJudgeModel
	}
	return &GeminiClient{cli: cli, imageModel: imageModel, judgeModel: judgeModel}, nil
}

func (g *GeminiClient) Name() string { return "Gemini:" + g.imageModel }

// Generate sends the source image plus the transformation instruction and
// returns the first image part of the response.
func (g *GeminiClient) Generate(ctx context.Context, image []byte, instruction string) ([]byte, error) {
	resp, err := g.cli.Models.GenerateContent(ctx, g.imageModel,
		[]*genai.Content{{Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: "image/png", Data: image}},
			{Text: instruction},
		}}},
		&genai.GenerateContentConfig{ResponseModalities: []string{"IMAGE", "TEXT"}},
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: empty generation response")
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, nil
		}
	}
	return nil, fmt.Errorf("gemini: no image in generation response")
}

const judgeSystemPrompt = `You are an expert judge of content-sensitive image transformations.
You are shown an ORIGINAL image and a CANDIDATE transformation of it.
Rate how well the candidate removes or softens the content the user is
sensitive to while preserving everything else. Respond with JSON:
{"overall_score": <float between 0 and 10>}`

type judgeResponse struct {
	OverallScore float64 `json:"overall_score"`
}

// Score asks the judge model to compare original and candidate, requesting a
// JSON response. Malformed responses surface as ErrInvalidJSON; the caller
// treats any error as a zero-score candidate.
func (g *GeminiClient) Score(ctx context.Context, original, candidate []byte, jc JudgeContext) (float64, error) {
	userPrompt := fmt.Sprintf("The user filters out: %s.\nUser sensitivity: %s.\nPost text: %s.",
		jc.FilterText, jc.Sensitivity, jc.PostText)

	resp, err := g.cli.Models.GenerateContent(ctx, g.judgeModel,
		[]*genai.Content{{Parts: []*genai.Part{
			{Text: judgeSystemPrompt + "\n\n" + userPrompt},
			{Text: "ORIGINAL:"},
			{InlineData: &genai.Blob{MIMEType: "image/png", Data: original}},
			{Text: "CANDIDATE:"},
			{InlineData: &genai.Blob{MIMEType: "image/png", Data: candidate}},
		}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return 0, err
	}
	txt, err := firstTextPart(resp)
	if err != nil {
		return 0, err
	}
	var parsed judgeResponse
	if err := json.Unmarshal([]byte(txt), &parsed); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return parsed.OverallScore, nil
}

// MostSimilar asks the model to pick the closest string from the existing
// set, or return nothing when none match. Mirrors the cache's fuzzy lookup
// contract: "" means no match.
func (g *GeminiClient) MostSimilar(ctx context.Context, candidate string, existing []string) (string, error) {
	prompt := fmt.Sprintf(
		"Here is a list of strings: %q. From this list return one string that matches the most with the string: %q. "+
			"Only return the string from the list and nothing else. Also, if none of the items match, then return an empty string.",
		existing, candidate)

	resp, err := g.cli.Models.GenerateContent(ctx, g.judgeModel,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		nil,
	)
	if err != nil {
		return "", err
	}
	txt, err := firstTextPart(resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(txt), nil
}

func firstTextPart(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrInvalidJSON
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			return part.Text, nil
		}
	}
	return "", ErrInvalidJSON
}
