package imgcodec

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNRGBA(w, h int, alpha uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), B: 90, A: alpha})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestValidateUploadable(t *testing.T) {
	t.Parallel()

	pngData := encodePNG(t, newNRGBA(8, 8, 255))
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{name: "png", data: pngData},
		{name: "jpeg", data: encodeJPEG(t, newNRGBA(8, 8, 255))},
		{name: "空内容", data: nil, wantErr: true},
		{name: "纯文本", data: []byte("definitely not an image"), wantErr: true},
		{name: "随机字节", data: []byte{0x00, 0x01, 0x02, 0x03, 0xde, 0xad, 0xbe, 0xef}, wantErr: true},
		{name: "只有 png 签名", data: pngData[:12], wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateUploadable(tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidImage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("不透明 png 为 3 通道", func(t *testing.T) {
		f, err := Decode(encodePNG(t, newNRGBA(20, 10, 255)))
		require.NoError(t, err)
		assert.Equal(t, 3, f.Channels)
		assert.Equal(t, 20, f.Width())
		assert.Equal(t, 10, f.Height())
	})

	t.Run("半透明 png 为 4 通道", func(t *testing.T) {
		f, err := Decode(encodePNG(t, newNRGBA(20, 10, 128)))
		require.NoError(t, err)
		assert.Equal(t, 4, f.Channels)
	})

	t.Run("jpeg 为 3 通道", func(t *testing.T) {
		f, err := Decode(encodeJPEG(t, newNRGBA(16, 16, 255)))
		require.NoError(t, err)
		assert.Equal(t, 3, f.Channels)
	})

	t.Run("无法解码", func(t *testing.T) {
		_, err := Decode([]byte("not an image at all"))
		assert.ErrorIs(t, err, ErrInvalidImage)
	})
}

func TestNormalizeChannels(t *testing.T) {
	t.Parallel()

	src := newNRGBA(6, 4, 40)
	orig := Frame{Image: src, Channels: 4}

	got := NormalizeChannels(orig)
	assert.Equal(t, 3, got.Channels)
	assert.Equal(t, src.Bounds(), got.Image.Bounds())

	c := color.NRGBAModel.Convert(got.Image.At(2, 3)).(color.NRGBA)
	assert.Equal(t, color.NRGBA{R: 6, G: 15, B: 90, A: 255}, c, "alpha 被丢弃，颜色保持原值")

	// 原图不受影响
	assert.Equal(t, uint8(40), src.NRGBAAt(2, 3).A)

	opaque := Frame{Image: newNRGBA(6, 4, 255), Channels: 3}
	assert.Equal(t, opaque, NormalizeChannels(opaque))
}

func TestNormalizeChannels_Formats(t *testing.T) {
	t.Parallel()

	// 16 位 RGBA，(0,0) 完全透明
	deep := image.NewNRGBA64(image.Rect(0, 0, 2, 1))
	deep.SetNRGBA64(0, 0, color.NRGBA64{R: 65535, G: 32768, B: 4096, A: 0})
	deep.SetNRGBA64(1, 0, color.NRGBA64{R: 256, G: 512, B: 1024, A: 65535})

	// 带 tRNS 的调色板图
	paletted := image.NewPaletted(image.Rect(0, 0, 2, 1), color.Palette{
		color.NRGBA{R: 200, G: 100, B: 50, A: 0},
		color.NRGBA{R: 10, G: 20, B: 30, A: 255},
	})
	paletted.SetColorIndex(1, 0, 1)

	ycc := image.NewNYCbCrA(image.Rect(0, 0, 2, 1), image.YCbCrSubsampleRatio444)
	for i := range ycc.Y {
		ycc.Y[i], ycc.Cb[i], ycc.Cr[i], ycc.A[i] = 120, 90, 180, 0
	}
	yr, yg, yb := color.YCbCrToRGB(120, 90, 180)

	tests := []struct {
		name string
		data []byte
		img  image.Image
		want color.NRGBA
	}{
		{name: "16位PNG", data: encodePNG(t, deep), want: color.NRGBA{R: 255, G: 128, B: 16, A: 255}},
		{name: "调色板PNG", data: encodePNG(t, paletted), want: color.NRGBA{R: 200, G: 100, B: 50, A: 255}},
		{name: "带alpha的YCbCr", img: ycc, want: color.NRGBA{R: yr, G: yg, B: yb, A: 255}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			frame := Frame{Image: tt.img, Channels: 4}
			if tt.data != nil {
				var err error
				frame, err = Decode(tt.data)
				require.NoError(t, err)
			}
			require.Equal(t, 4, frame.Channels)

			got := NormalizeChannels(frame)
			assert.Equal(t, 3, got.Channels)
			assert.Equal(t, tt.want, color.NRGBAModel.Convert(got.Image.At(0, 0)).(color.NRGBA), "透明像素的颜色不能被混合成黑色")
		})
	}

	got := NormalizeChannels(Frame{Image: deep, Channels: 4})
	assert.Equal(t, color.NRGBA{R: 1, G: 2, B: 4, A: 255}, got.Image.(*image.NRGBA).NRGBAAt(1, 0))
}

func TestResize(t *testing.T) {
	t.Parallel()

	sizes := [][2]int{{1, 1}, {17, 3}, {3, 900}, {640, 640}, {1280, 720}, {2000, 2001}}
	for _, s := range sizes {
		f := Frame{Image: newNRGBA(s[0], s[1], 255), Channels: 3}
		got := Resize(f, 640, 640)
		assert.Equal(t, image.Rect(0, 0, 640, 640), got.Image.Bounds(), "input %dx%d", s[0], s[1])
		assert.Equal(t, 3, got.Channels)
	}
}

func TestResize_Deterministic(t *testing.T) {
	t.Parallel()

	f := Frame{Image: newNRGBA(123, 77, 200), Channels: 4}
	a, err := EncodePNG(Resize(f, 640, 640))
	require.NoError(t, err)
	b, err := EncodePNG(Resize(f, 640, 640))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodePNG(t *testing.T) {
	t.Parallel()

	data, err := EncodePNG(Frame{Image: newNRGBA(30, 20, 255), Channels: 3})
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 30, cfg.Width)
	assert.Equal(t, 20, cfg.Height)

	_, err = EncodePNG(Frame{})
	assert.ErrorIs(t, err, ErrEncoding)
}
