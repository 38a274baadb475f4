package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/segmentio/ksuid"

	"github.com/chaos-io/facecrop/geometry"
	"github.com/chaos-io/facecrop/imgcodec"
	nhttp "github.com/chaos-io/facecrop/util/http"
)

// RemoteDetector 调用 RetinaFace 推理服务
//
//	请求: multipart file=<png>
//	响应: {"face_1": {"score": 0.99, "facial_area": [x1, y1, x2, y2], "landmarks": {...}}, ...}
type RemoteDetector struct {
	url string
	cli nhttp.IClient
}

func NewRemoteDetector(detectURL string) *RemoteDetector {
	return NewRemoteDetectorWithClient(detectURL, nhttp.NewHTTPClient())
}

func NewRemoteDetectorWithClient(detectURL string, cli nhttp.IClient) *RemoteDetector {
	return &RemoteDetector{url: detectURL, cli: cli}
}

type retinaFace struct {
	Score      float64              `json:"score"`
	FacialArea []float64            `json:"facial_area"`
	Landmarks  map[string][]float64 `json:"landmarks,omitempty"`
}

func (d *RemoteDetector) Detect(ctx context.Context, frame imgcodec.Frame) ([]Face, error) {
	data, err := imgcodec.EncodePNG(frame)
	if err != nil {
		return nil, err
	}

	body, contentType, err := nhttp.MultipartFile("file", ksuid.New().String()+".png", data, nil)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = d.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: d.url,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": contentType},
		Body:       body,
		Response:   &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	return parseRetinaFaces(raw)
}

func parseRetinaFaces(raw []byte) ([]Face, error) {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "{}", "[]":
		return nil, nil
	}

	resp := map[string]retinaFace{}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	faces := make([]Face, 0, len(resp))
	for id, f := range resp {
		if len(f.FacialArea) != 4 {
			return nil, fmt.Errorf("face %s: facial_area has %d coordinates", id, len(f.FacialArea))
		}
		faces = append(faces, Face{
			ID: id,
			Area: geometry.Box{
				X1: int(f.FacialArea[0]),
				Y1: int(f.FacialArea[1]),
				X2: int(f.FacialArea[2]),
				Y2: int(f.FacialArea[3]),
			},
			Score: f.Score,
		})
	}
	sortByKey(faces)
	return faces, nil
}

// Ping 探测服务根路径下的 /health，与检测接口的路径无关
func (d *RemoteDetector) Ping(ctx context.Context) error {
	u, err := url.Parse(d.url)
	if err != nil {
		return fmt.Errorf("parse detect url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid detect url %q", d.url)
	}
	health := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/health"}

	return d.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: health.String(),
		Method:     http.MethodGet,
	})
}

func (d *RemoteDetector) String() string {
	return "retinaface(" + d.url + ")"
}
