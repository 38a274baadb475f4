package rembg

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/segmentio/ksuid"

	nhttp "github.com/chaos-io/facecrop/util/http"
)

const removePath = "api/remove"

// RemoteRemBG 调用 rembg HTTP 服务（rembg s）去除背景
type RemoteRemBG struct {
	baseURL string
	cli     nhttp.IClient
}

func NewRemoteRemBG(baseURL string) *RemoteRemBG {
	return NewRemoteRemBGWithClient(baseURL, nhttp.NewHTTPClient())
}

func NewRemoteRemBGWithClient(baseURL string, cli nhttp.IClient) *RemoteRemBG {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &RemoteRemBG{baseURL: baseURL, cli: cli}
}

/*
	curl -X POST "$BASE_URL/api/remove" \
	  -F "file=@my_image.png" \
	  -o out.png
*/
func (r *RemoteRemBG) Remove(ctx context.Context, data []byte) ([]byte, error) {
	body, contentType, err := nhttp.MultipartFile("file", ksuid.New().String()+".img", data, nil)
	if err != nil {
		return nil, err
	}

	var out []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: r.baseURL + removePath,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": contentType},
		Body:       body,
		Response:   &out,
	}
	if err := r.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	slog.Debug("background removed", "in_bytes", len(data), "out_bytes", len(out))
	return out, nil
}

func (r *RemoteRemBG) Ping(ctx context.Context) error {
	return r.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: r.baseURL,
		Method:     http.MethodGet,
	})
}

func (r *RemoteRemBG) String() string {
	return "rembg(" + r.baseURL + ")"
}
