package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/chaos-io/facecrop/geometry"
	"github.com/chaos-io/facecrop/imgcodec"
)

const facePrompt = `You are a face locator.

Return JSON only:
{"faces": [{"box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}, "confidence": 0.0}]}

RULES
- Coordinates are normalized to [0,1] (NOT pixels), x/y is the top-left corner.
- One entry per human face, most prominent face first.
- If there is no human face, return {"faces": []}.
- JSON only. No markdown, no code fences, no comments.`

// OllamaDetector 用视觉大模型定位人脸
type OllamaDetector struct {
	client *api.Client
	model  string
}

func NewOllamaDetector(ollamaURL, model string) (*OllamaDetector, error) {
	parsed, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", ollamaURL)
	}

	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	return &OllamaDetector{
		client: api.NewClient(base, http.DefaultClient),
		model:  model,
	}, nil
}

type ollamaBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type ollamaFaces struct {
	Faces []struct {
		Box        ollamaBox `json:"box"`
		Confidence float64   `json:"confidence"`
	} `json:"faces"`
}

func (d *OllamaDetector) Detect(ctx context.Context, frame imgcodec.Frame) ([]Face, error) {
	data, err := imgcodec.EncodePNG(frame)
	if err != nil {
		return nil, err
	}

	stream := false
	req := &api.ChatRequest{
		Model: d.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: facePrompt,
				Images:  []api.ImageData{api.ImageData(data)},
			},
		},
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
	}

	var content string
	err = d.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content += resp.Message.Content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	return parseOllamaFaces(content, frame.Width(), frame.Height())
}

// parseOllamaFaces 把归一化坐标换算成像素坐标，丢弃无效框
func parseOllamaFaces(raw string, width, height int) ([]Face, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.Trim(raw, "`\n ")
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		raw = raw[start : end+1]
	}

	var resp ollamaFaces
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}

	faces := make([]Face, 0, len(resp.Faces))
	for i, f := range resp.Faces {
		box := geometry.Box{
			X1: int(clamp01(f.Box.X) * float64(width)),
			Y1: int(clamp01(f.Box.Y) * float64(height)),
			X2: int(clamp01(f.Box.X+f.Box.W) * float64(width)),
			Y2: int(clamp01(f.Box.Y+f.Box.H) * float64(height)),
		}
		if !box.Valid() {
			continue
		}
		faces = append(faces, Face{ID: fmt.Sprintf("face_%d", i+1), Area: box, Score: f.Confidence})
	}
	return faces, nil
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

func (d *OllamaDetector) Ping(ctx context.Context) error {
	return d.client.Heartbeat(ctx)
}

func (d *OllamaDetector) String() string {
	return "ollama(" + d.model + ")"
}
