package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaos-io/facecrop/detect"
	"github.com/chaos-io/facecrop/geometry"
	"github.com/chaos-io/facecrop/imgcodec"
	"github.com/chaos-io/facecrop/rembg"
	"github.com/chaos-io/facecrop/util"
)

const DefaultOutputSize = 640

// Processor 单个请求的处理流程，各步骤严格串行，任何一步失败立即返回，不重试
type Processor struct {
	Remover      rembg.Remover
	Detector     detect.Detector
	Margin       geometry.Margin
	OutputWidth  int
	OutputHeight int
}

func NewProcessor(remover rembg.Remover, detector detect.Detector) *Processor {
	return &Processor{
		Remover:      remover,
		Detector:     detector,
		Margin:       geometry.DefaultMargin,
		OutputWidth:  DefaultOutputSize,
		OutputHeight: DefaultOutputSize,
	}
}

// Process 上传图片 -> 去背景 -> 检测人脸 -> 外扩裁剪 -> 缩放 -> PNG
func (p *Processor) Process(ctx context.Context, raw []byte) ([]byte, error) {
	defer util.Trace("process", "bytes", len(raw))()

	// 1. 去背景代价高，先快速校验
	if err := imgcodec.ValidateUploadable(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}

	// 2. 背景去除
	removed, err := p.removeBackground(ctx, raw)
	if err != nil {
		return nil, err
	}

	// 3. 去背景服务不保证输出合法
	original, err := imgcodec.Decode(removed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAfterRemoval, err)
	}

	// 4. 检测用 3 通道副本，裁剪用原图（保留 alpha），两者尺寸一致
	normalized := imgcodec.NormalizeChannels(original)

	// 5. 人脸检测
	faces, err := p.detect(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, ErrNoFace
	}

	// 6. 只取检测器返回的第一个
	face := faces[0]
	slog.Debug("face selected", "id", face.ID, "box", face.Area.String(), "candidates", len(faces))

	// 7. 外扩裁剪
	cropped, err := geometry.CropWithMargin(original.Image, face.Area, p.Margin)
	if err != nil {
		return nil, fmt.Errorf("crop face %s: %w", face.ID, err)
	}

	// 8. 缩放到固定尺寸
	resized := imgcodec.Resize(imgcodec.Frame{Image: cropped, Channels: original.Channels}, p.OutputWidth, p.OutputHeight)

	// 9. 编码
	return imgcodec.EncodePNG(resized)
}

func (p *Processor) removeBackground(ctx context.Context, raw []byte) ([]byte, error) {
	defer util.Trace("remove background")()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	removed, err := p.Remover.Remove(ctx, raw)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrBackgroundRemoval, err)
	}
	return removed, nil
}

func (p *Processor) detect(ctx context.Context, frame imgcodec.Frame) ([]detect.Face, error) {
	defer util.Trace("detect faces", "width", frame.Width(), "height", frame.Height())()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	faces, err := p.Detector.Detect(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}
	return faces, nil
}
