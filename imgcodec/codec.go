package imgcodec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrInvalidImage = errors.New("invalid image")
	ErrEncoding     = errors.New("image encoding failed")
)

// Frame 解码后的图像，Channels 为 3 或 4
type Frame struct {
	Image    image.Image
	Channels int
}

func (f Frame) Width() int { return f.Image.Bounds().Dx() }

func (f Frame) Height() int { return f.Image.Bounds().Dy() }

// ValidateUploadable 只读头部做快速校验，不做完整解码
func ValidateUploadable(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty upload", ErrInvalidImage)
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return fmt.Errorf("%w: content type %s", ErrInvalidImage, mtype.String())
	}

	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return nil
	}
	if mtype.Is("image/webp") {
		if _, err := webp.DecodeConfig(bytes.NewReader(data)); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported %s header", ErrInvalidImage, mtype.String())
}

// Decode 完整解码，webp 在标准解码失败时用 libwebp 兜底
func Decode(data []byte) (Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		var werr error
		img, werr = webp.Decode(bytes.NewReader(data))
		if werr != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Frame{}, fmt.Errorf("%w: empty image %dx%d", ErrInvalidImage, b.Dx(), b.Dy())
	}

	return Frame{Image: img, Channels: channels(img)}, nil
}

type opaquer interface {
	Opaque() bool
}

// channels 只要存在非完全不透明的像素，就认为带 alpha
func channels(img image.Image) int {
	if o, ok := img.(opaquer); ok && !o.Opaque() {
		return 4
	}
	return 3
}

// NormalizeChannels 4 通道转 3 通道：直接丢弃 alpha，不与背景混合
func NormalizeChannels(f Frame) Frame {
	if f.Channels != 4 {
		return f
	}

	dst := toNRGBA(f.Image)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return Frame{Image: dst, Channels: 3}
}

// toNRGBA 总是返回副本，避免改动调用方持有的原图
//
//	按未预乘的存储值拷贝，alpha 为 0 的像素也保留原始颜色
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	switch src := img.(type) {
	case *image.NRGBA:
		return imaging.Clone(src)
	case *image.NRGBA64:
		dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := src.NRGBA64At(b.Min.X+x, b.Min.Y+y)
				dst.SetNRGBA(x, y, color.NRGBA{R: uint8(c.R >> 8), G: uint8(c.G >> 8), B: uint8(c.B >> 8), A: uint8(c.A >> 8)})
			}
		}
		return dst
	case *image.NYCbCrA:
		dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := src.NYCbCrAAt(b.Min.X+x, b.Min.Y+y)
				r, g, bl := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
				dst.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: bl, A: c.A})
			}
		}
		return dst
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.SetNRGBA(x, y, nrgbaOf(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return dst
}

// nrgbaOf 调色板 (tRNS) 等格式的颜色本身就是未预乘的，直接取存储值
func nrgbaOf(c color.Color) color.NRGBA {
	switch v := c.(type) {
	case color.NRGBA:
		return v
	case color.NRGBA64:
		return color.NRGBA{R: uint8(v.R >> 8), G: uint8(v.G >> 8), B: uint8(v.B >> 8), A: uint8(v.A >> 8)}
	}
	return color.NRGBAModel.Convert(c).(color.NRGBA)
}

// Resize 双线性缩放到固定尺寸，不保持宽高比
func Resize(f Frame, width, height int) Frame {
	resized := resize.Resize(uint(width), uint(height), f.Image, resize.Bilinear)
	return Frame{Image: resized, Channels: f.Channels}
}

func EncodePNG(f Frame) ([]byte, error) {
	if f.Image == nil {
		return nil, fmt.Errorf("%w: nil image", ErrEncoding)
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, f.Image); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return buf.Bytes(), nil
}
