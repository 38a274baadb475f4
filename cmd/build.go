package cmd

import (
	"fmt"
	"log/slog"

	"github.com/chaos-io/facecrop/config"
	"github.com/chaos-io/facecrop/detect"
	"github.com/chaos-io/facecrop/monitor"
	"github.com/chaos-io/facecrop/pipeline"
	"github.com/chaos-io/facecrop/rembg"
)

// collaborators 按配置选择的去背景和人脸检测实现
type collaborators struct {
	remover  rembg.Remover
	detector detect.Detector
}

func buildCollaborators(c *config.Config) (*collaborators, error) {
	var remover rembg.Remover = rembg.NewDefaultRemBG()
	switch {
	case c.RemBGBackend == config.RemBGComfyUI:
		remover = rembg.NewComfyUIRemBG(c.RemBGURL)
	case c.RemBGURL != "":
		remover = rembg.NewRemoteRemBG(c.RemBGURL)
	}

	var detector detect.Detector
	switch c.Detector {
	case config.DetectorRemote:
		detector = detect.NewRemoteDetector(c.DetectURL)
	case config.DetectorPigo:
		d, err := detect.LoadPigoDetector(c.PigoCascade, detect.DefaultPigoParams)
		if err != nil {
			return nil, err
		}
		detector = d
	case config.DetectorOllama:
		d, err := detect.NewOllamaDetector(c.OllamaURL, c.OllamaModel)
		if err != nil {
			return nil, err
		}
		detector = d
	default:
		return nil, fmt.Errorf("unknown detector %q", c.Detector)
	}

	slog.Info("collaborators ready", "remover", fmt.Sprint(remover), "detector", fmt.Sprint(detector))
	return &collaborators{remover: remover, detector: detector}, nil
}

func (c *collaborators) processor(conf *config.Config) *pipeline.Processor {
	p := pipeline.NewProcessor(c.remover, c.detector)
	p.Margin = conf.Margin
	p.OutputWidth = conf.OutputSize
	p.OutputHeight = conf.OutputSize
	return p
}

// pingTargets 只探测支持 Ping 的远程服务
func (c *collaborators) pingTargets() map[string]monitor.Pinger {
	targets := make(map[string]monitor.Pinger)
	if p, ok := c.remover.(monitor.Pinger); ok {
		targets["rembg"] = p
	}
	if p, ok := c.detector.(monitor.Pinger); ok {
		targets["detector"] = p
	}
	return targets
}
