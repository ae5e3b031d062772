package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/bridgeway-ai/bridgeway/gateway"
)

// OpenAIImage generates images through the OpenAI Images API. The prompt
// is the user message and the model is the request model; size and n ride
// in Params.
type OpenAIImage struct {
	baseURL string
}

// NewOpenAIImage builds the image generator; baseURL may be empty.
func NewOpenAIImage(baseURL string) *OpenAIImage {
	return &OpenAIImage{baseURL: baseURL}
}

// GenerateImage implements gateway.ImageGenerator.
func (g *OpenAIImage) GenerateImage(ctx context.Context, req *gateway.ChatRequest) (*gateway.ImageResult, error) {
	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}
	if g.baseURL != "" {
		opts = append(opts, option.WithBaseURL(g.baseURL))
	}
	client := openai.NewClient(opts...)

	params := openai.ImageGenerateParams{
		Prompt: req.User,
		Model:  openai.ImageModel(req.Model),
	}
	if size, ok := req.Params["size"].(string); ok && size != "" {
		params.Size = openai.ImageGenerateParamsSize(size)
	}
	if n, ok := toFloat(req.Params["n"]); ok && n > 0 {
		params.N = openai.Int(int64(n))
	}

	response, err := client.Images.Generate(ctx, params)
	if err != nil {
		return nil, &gateway.APIError{Service: gateway.ServiceOpenAI, Message: err.Error(), Err: err}
	}
	result := &gateway.ImageResult{}
	for _, image := range response.Data {
		result.Images = append(result.Images, gateway.GeneratedImage{
			RevisedPrompt: image.RevisedPrompt,
			ImageURL:      image.URL,
			PermanentURL:  image.URL,
		})
	}
	return result, nil
}

// AiMlImage runs the AI/ML image pipeline. Generation is a single POST to
// /images/generations; the returned urls are passed through as both image
// and permanent url. Artifacts are not fetched or uploaded to object
// storage.
type AiMlImage struct {
	baseURL    string
	httpClient *http.Client
}

// NewAiMlImage builds the AI/ML image generator.
func NewAiMlImage(baseURL string) *AiMlImage {
	return &AiMlImage{
		baseURL:    firstNonEmpty(baseURL, defaultAiMlBaseURL),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// GenerateImage implements gateway.ImageGenerator.
func (g *AiMlImage) GenerateImage(ctx context.Context, req *gateway.ChatRequest) (*gateway.ImageResult, error) {
	body := map[string]interface{}{
		"model":  req.Model,
		"prompt": req.User,
	}
	if size, ok := req.Params["size"].(string); ok && size != "" {
		body["size"] = size
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/images/generations", bytes.NewBuffer(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, &gateway.APIError{Service: gateway.ServiceAiMl, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &gateway.APIError{Service: gateway.ServiceAiMl, Message: string(data), StatusCode: resp.StatusCode}
	}

	var decoded struct {
		Data []struct {
			URL           string `json:"url"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode ai_ml image response: %w", err)
	}

	result := &gateway.ImageResult{}
	for _, image := range decoded.Data {
		result.Images = append(result.Images, gateway.GeneratedImage{
			RevisedPrompt: image.RevisedPrompt,
			ImageURL:      image.URL,
			PermanentURL:  image.URL,
		})
	}
	for _, image := range decoded.Images {
		result.Images = append(result.Images, gateway.GeneratedImage{
			ImageURL:     image.URL,
			PermanentURL: image.URL,
		})
	}
	return result, nil
}

var (
	_ gateway.ImageGenerator = (*OpenAIImage)(nil)
	_ gateway.ImageGenerator = (*AiMlImage)(nil)
)
