package cmd

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/facecrop/config"
	"github.com/chaos-io/facecrop/detect"
	"github.com/chaos-io/facecrop/pipeline"
	"github.com/chaos-io/facecrop/rembg"
)

func TestBuildCollaborators(t *testing.T) {
	c := config.Default()
	c.DetectURL = "http://detector.local/detect"

	collab, err := buildCollaborators(c)
	require.NoError(t, err)
	assert.IsType(t, &rembg.DefaultRemBG{}, collab.remover)
	assert.IsType(t, &detect.RemoteDetector{}, collab.detector)

	targets := collab.pingTargets()
	assert.Len(t, targets, 1, "直通的 rembg 不需要探活")
	assert.Contains(t, targets, "detector")

	c.RemBGURL = "http://rembg.local/"
	c.Detector = config.DetectorOllama
	collab, err = buildCollaborators(c)
	require.NoError(t, err)
	assert.IsType(t, &rembg.RemoteRemBG{}, collab.remover)
	assert.IsType(t, &detect.OllamaDetector{}, collab.detector)
	assert.Len(t, collab.pingTargets(), 2)

	c.RemBGBackend = config.RemBGComfyUI
	collab, err = buildCollaborators(c)
	require.NoError(t, err)
	assert.IsType(t, &rembg.ComfyUIRemBG{}, collab.remover)

	c.Detector = config.DetectorPigo
	c.PigoCascade = filepath.Join(t.TempDir(), "missing")
	_, err = buildCollaborators(c)
	assert.Error(t, err)
}

func TestCollaborators_Processor(t *testing.T) {
	c := config.Default()
	c.OutputSize = 128
	c.Margin.Left = 0.5

	collab, err := buildCollaborators(c)
	require.NoError(t, err)

	p := collab.processor(c)
	assert.Equal(t, 128, p.OutputWidth)
	assert.Equal(t, 128, p.OutputHeight)
	assert.Equal(t, 0.5, p.Margin.Left)
	assert.NotEqual(t, pipeline.DefaultOutputSize, p.OutputWidth)
}

func TestRunProcess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"face_1": {"score": 0.99, "facial_area": [10, 10, 50, 60]}}`))
	}))
	defer ts.Close()

	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = config.Default()
	cfg.DetectURL = ts.URL
	cfg.OutputSize = 64

	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.SetNRGBA(30, 30, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	dir := t.TempDir()
	input := filepath.Join(dir, "portrait.png")
	require.NoError(t, os.WriteFile(input, buf.Bytes(), 0o644))

	output := filepath.Join(dir, "out", "face.png")
	got, err := runProcess(context.Background(), input, output)
	require.NoError(t, err)
	assert.Equal(t, output, got)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	out, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds())

	_, err = runProcess(context.Background(), filepath.Join(dir, "missing.png"), output)
	assert.Error(t, err)
}

func TestNewHTTPServer(t *testing.T) {
	c := config.Default()
	c.Addr = ":9001"
	c.UploadTimeout = 5 * time.Second

	srv := newHTTPServer(c, http.NotFoundHandler())
	assert.Equal(t, ":9001", srv.Addr)
	assert.Equal(t, readHeaderTimeout, srv.ReadHeaderTimeout)
	assert.Equal(t, readHeaderTimeout+5*time.Second, srv.ReadTimeout, "慢速上传受整体读超时约束")

	c.UploadTimeout = 0
	assert.Zero(t, newHTTPServer(c, http.NotFoundHandler()).ReadTimeout)
}
