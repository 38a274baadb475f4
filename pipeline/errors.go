package pipeline

import (
	"errors"
	"fmt"

	"github.com/chaos-io/facecrop/imgcodec"
)

// 客户端错误 (4xx)
var (
	ErrInvalidUpload       = fmt.Errorf("uploaded file is not a valid image: %w", imgcodec.ErrInvalidImage)
	ErrInvalidAfterRemoval = fmt.Errorf("invalid image after background removal: %w", imgcodec.ErrInvalidImage)
	ErrNoFace              = errors.New("no face detected")
)

// 服务端错误 (5xx)
var (
	ErrEncoding          = imgcodec.ErrEncoding
	ErrBackgroundRemoval = errors.New("background removal failed")
	ErrDetection         = errors.New("face detection failed")
)

// IsClientError 上传内容导致的错误，需要把原因返回给客户端
func IsClientError(err error) bool {
	return errors.Is(err, imgcodec.ErrInvalidImage) || errors.Is(err, ErrNoFace)
}
