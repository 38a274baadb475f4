package geometry

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

var (
	ErrGeometry       = errors.New("geometry error")
	ErrInvalidBox     = fmt.Errorf("%w: invalid bounding box", ErrGeometry)
	ErrInvalidMargin  = fmt.Errorf("%w: invalid margin", ErrGeometry)
	ErrDegenerateCrop = fmt.Errorf("%w: degenerate crop", ErrGeometry)
)

// Box 人脸框，(X2, Y2) 不包含在框内，与切片下标语义一致
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (b Box) Dx() int { return b.X2 - b.X1 }

func (b Box) Dy() int { return b.Y2 - b.Y1 }

func (b Box) Valid() bool { return b.X1 < b.X2 && b.Y1 < b.Y2 }

func (b Box) Rect() image.Rectangle { return image.Rect(b.X1, b.Y1, b.X2, b.Y2) }

func (b Box) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", b.X1, b.Y1, b.X2, b.Y2)
}

// Margin 四个方向的外扩比例，左右相对框宽，上下相对框高
type Margin struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// DefaultMargin 每边外扩 20%
var DefaultMargin = Margin{Left: 0.2, Top: 0.2, Right: 0.2, Bottom: 0.2}

func (m Margin) Validate() error {
	for _, v := range [4]float64{m.Left, m.Top, m.Right, m.Bottom} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %+v", ErrInvalidMargin, m)
		}
	}
	return nil
}

// CropRect 计算外扩并裁剪到 bounds 内的矩形
//
//	left/right 按框宽 * 比例取整，top/bottom 按框高 * 比例取整
//	结果被夹在 bounds 内，面积为 0 时返回 ErrDegenerateCrop
func CropRect(bounds image.Rectangle, box Box, m Margin) (image.Rectangle, error) {
	if !box.Valid() {
		return image.Rectangle{}, fmt.Errorf("%w: %s", ErrInvalidBox, box)
	}
	if err := m.Validate(); err != nil {
		return image.Rectangle{}, err
	}

	w := float64(box.Dx())
	h := float64(box.Dy())
	left := int(math.Round(w * m.Left))
	top := int(math.Round(h * m.Top))
	right := int(math.Round(w * m.Right))
	bottom := int(math.Round(h * m.Bottom))

	rect := image.Rect(
		max(box.X1-left, bounds.Min.X),
		max(box.Y1-top, bounds.Min.Y),
		min(box.X2+right, bounds.Max.X),
		min(box.Y2+bottom, bounds.Max.Y),
	)
	// image.Rect 会交换反向坐标，这里用原始值判断是否塌缩
	if box.X1-left >= bounds.Max.X || box.Y1-top >= bounds.Max.Y ||
		box.X2+right <= bounds.Min.X || box.Y2+bottom <= bounds.Min.Y || rect.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: box %s outside frame %v", ErrDegenerateCrop, box, bounds)
	}
	return rect, nil
}

// CropWithMargin 按外扩比例裁剪人脸区域，返回的图像从 (0,0) 开始
// 输出保留原图的 alpha 通道
func CropWithMargin(img image.Image, box Box, m Margin) (image.Image, error) {
	rect, err := CropRect(img.Bounds(), box, m)
	if err != nil {
		return nil, err
	}
	return imaging.Crop(img, rect), nil
}
