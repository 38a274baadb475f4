package detect

import (
	"context"
	"fmt"
	"image"
	"os"
	"sort"

	pigo "github.com/esimov/pigo/core"
	"golang.org/x/image/draw"

	"github.com/chaos-io/facecrop/geometry"
	"github.com/chaos-io/facecrop/imgcodec"
)

// PigoParams 级联检测参数
type PigoParams struct {
	MinSize          int
	MaxSize          int
	ShiftFactor      float64
	ScaleFactor      float64
	IoUThreshold     float64
	QualityThreshold float32
}

var DefaultPigoParams = PigoParams{
	MinSize:          20,
	MaxSize:          2000,
	ShiftFactor:      0.1,
	ScaleFactor:      1.1,
	IoUThreshold:     0.18,
	QualityThreshold: 5.0,
}

// PigoDetector 进程内的 pigo 级联人脸检测，不依赖外部服务
type PigoDetector struct {
	classifier *pigo.Pigo
	params     PigoParams
}

func NewPigoDetector(cascade []byte, params PigoParams) (*PigoDetector, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack cascade: %w", err)
	}
	return &PigoDetector{classifier: classifier, params: params}, nil
}

func LoadPigoDetector(path string, params PigoParams) (*PigoDetector, error) {
	cascade, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cascade: %w", err)
	}
	return NewPigoDetector(cascade, params)
}

// Detect 返回质量高于阈值的人脸，按质量从高到低排列
func (d *PigoDetector) Detect(ctx context.Context, frame imgcodec.Frame) ([]Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := frame.Image.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), frame.Image, b.Min, draw.Src)

	cols, rows := b.Dx(), b.Dy()
	cParams := pigo.CascadeParams{
		MinSize:     d.params.MinSize,
		MaxSize:     min(d.params.MaxSize, max(cols, rows)),
		ShiftFactor: d.params.ShiftFactor,
		ScaleFactor: d.params.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(nrgba),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := d.classifier.RunCascade(cParams, 0)
	dets = d.classifier.ClusterDetections(dets, d.params.IoUThreshold)
	return facesFromDetections(dets, b, d.params), nil
}

// facesFromDetections 过滤低质量结果，按质量从高到低编号为 face_1, face_2, ...
// 检测坐标相对于 bounds.Min
func facesFromDetections(dets []pigo.Detection, bounds image.Rectangle, params PigoParams) []Face {
	kept := make([]pigo.Detection, 0, len(dets))
	for _, det := range dets {
		if det.Q > params.QualityThreshold {
			kept = append(kept, det)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Q > kept[j].Q })

	faces := make([]Face, 0, len(kept))
	for i, det := range kept {
		half := det.Scale / 2
		faces = append(faces, Face{
			ID: fmt.Sprintf("face_%d", i+1),
			Area: geometry.Box{
				X1: bounds.Min.X + det.Col - half,
				Y1: bounds.Min.Y + det.Row - half,
				X2: bounds.Min.X + det.Col + half,
				Y2: bounds.Min.Y + det.Row + half,
			},
			Score: float64(det.Q),
		})
	}
	return faces
}

func (d *PigoDetector) String() string {
	return "pigo"
}
