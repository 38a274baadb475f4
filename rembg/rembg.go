package rembg

import "context"

// Remover 背景去除，输入输出都是编码后的图片字节
// 输出不保证是合法图片，调用方需要自行解码校验
type Remover interface {
	Remove(ctx context.Context, data []byte) ([]byte, error)
}

// DefaultRemBG 不做任何处理，未配置远程服务时使用
type DefaultRemBG struct{}

func NewDefaultRemBG() *DefaultRemBG {
	return &DefaultRemBG{}
}

func (d *DefaultRemBG) Remove(ctx context.Context, data []byte) ([]byte, error) {
	return data, ctx.Err()
}

func (d *DefaultRemBG) String() string { return "passthrough" }
