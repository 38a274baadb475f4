package rembg

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	nhttp "github.com/chaos-io/facecrop/util/http"
)

const (
	BiRefNetModel = "BiRefNet"

	uploadPath  = "api/upload/image"
	promptPath  = "api/prompt"
	historyPath = "api/history/"
	viewPath    = "api/view"
	statsPath   = "api/system_stats"

	defaultPollInterval = 500 * time.Millisecond
)

var ErrWorkflow = errors.New("comfyui workflow failed")

//go:embed workflow.json
var workflowData []byte

// ComfyUIRemBG 通过 ComfyUI 的 BiRefNet 工作流去除背景
//
//	上传图片 -> 提交工作流 -> 轮询 history -> 下载 SaveImage 的输出
type ComfyUIRemBG struct {
	baseURL      string
	cli          nhttp.IClient
	PollInterval time.Duration
}

func NewComfyUIRemBG(baseURL string) *ComfyUIRemBG {
	return NewComfyUIRemBGWithClient(baseURL, nhttp.NewHTTPClient())
}

func NewComfyUIRemBGWithClient(baseURL string, cli nhttp.IClient) *ComfyUIRemBG {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &ComfyUIRemBG{baseURL: baseURL, cli: cli, PollInterval: defaultPollInterval}
}

func (b *ComfyUIRemBG) Remove(ctx context.Context, data []byte) ([]byte, error) {
	name, err := b.uploadImage(ctx, data)
	if err != nil {
		return nil, err
	}

	promptID, err := b.prompt(ctx, name)
	if err != nil {
		return nil, err
	}

	out, err := b.waitOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	return b.view(ctx, out)
}

type comfyImage struct {
	Name      string `json:"name,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}%
*/
func (b *ComfyUIRemBG) uploadImage(ctx context.Context, data []byte) (string, error) {
	body, contentType, err := nhttp.MultipartFile("image", ksuid.New().String()+".png", data, map[string]string{
		"type":      "input",
		"overwrite": "true",
	})
	if err != nil {
		return "", err
	}

	resp := &comfyImage{}
	err = b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + uploadPath,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": contentType},
		Body:       body,
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	if resp.Name == "" {
		return "", fmt.Errorf("%w: upload returned no file name", ErrWorkflow)
	}

	// 有子目录时 LoadImage 需要 "subfolder/name"
	if resp.Subfolder != "" {
		return resp.Subfolder + "/" + resp.Name, nil
	}
	return resp.Name, nil
}

type workflowNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

type promptResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *ComfyUIRemBG) prompt(ctx context.Context, imageName string) (string, error) {
	workflow, err := buildWorkflow(imageName)
	if err != nil {
		return "", err
	}

	resp := &promptResp{}
	err = b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + promptPath,
		Method:     http.MethodPost,
		Body:       map[string]any{"prompt": workflow, "client_id": "facecrop"},
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 {
		return "", fmt.Errorf("%w: node errors %v", ErrWorkflow, resp.NodeErrors)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("%w: no prompt id", ErrWorkflow)
	}

	slog.Debug("prompt queued", "prompt_id", resp.PromptID, "number", resp.Number)
	return resp.PromptID, nil
}

// buildWorkflow 把上传后的文件名填进 LoadImage 节点
func buildWorkflow(imageName string) (map[string]workflowNode, error) {
	wk := map[string]workflowNode{}
	if err := json.Unmarshal(workflowData, &wk); err != nil {
		return nil, fmt.Errorf("unmarshal workflow data: %w", err)
	}

	found := false
	for id, node := range wk {
		if node.ClassType == "LoadImage" {
			node.Inputs["image"] = imageName
			wk[id] = node
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: workflow has no LoadImage node", ErrWorkflow)
	}
	return wk, nil
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []comfyImage `json:"images"`
	} `json:"outputs"`
}

// waitOutput 轮询直到工作流完成，返回第一张输出图片
func (b *ComfyUIRemBG) waitOutput(ctx context.Context, promptID string) (comfyImage, error) {
	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
			RequestURI: b.baseURL + historyPath + url.PathEscape(promptID),
			Method:     http.MethodGet,
			Response:   &history,
		})
		if err != nil {
			return comfyImage{}, fmt.Errorf("get history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return comfyImage{}, fmt.Errorf("%w: prompt %s", ErrWorkflow, promptID)
			}
			if entry.Status.Completed {
				for _, out := range entry.Outputs {
					if len(out.Images) > 0 {
						return out.Images[0], nil
					}
				}
				return comfyImage{}, fmt.Errorf("%w: prompt %s produced no image", ErrWorkflow, promptID)
			}
		}

		select {
		case <-ctx.Done():
			return comfyImage{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *ComfyUIRemBG) view(ctx context.Context, img comfyImage) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)

	var out []byte
	err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + viewPath + "?" + q.Encode(),
		Method:     http.MethodGet,
		Response:   &out,
	})
	if err != nil {
		return nil, fmt.Errorf("view image: %w", err)
	}
	return out, nil
}

func (b *ComfyUIRemBG) Ping(ctx context.Context) error {
	return b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + statsPath,
		Method:     http.MethodGet,
	})
}

func (b *ComfyUIRemBG) String() string {
	return "comfyui-" + BiRefNetModel + "(" + b.baseURL + ")"
}
