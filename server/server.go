package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/facecrop/admission"
	"github.com/chaos-io/facecrop/monitor"
	"github.com/chaos-io/facecrop/pipeline"
)

const (
	msgInvalidUpload       = "Uploaded file is not a valid image"
	msgInvalidAfterRemoval = "Invalid image after background removal"
	msgNoFace              = "No face detected"
	msgTooManyRequests     = "Too many requests, try again later."
	msgEncoding            = "Image encoding failed"
	msgInternal            = "Internal server error"
	msgTimeout             = "Processing timed out"
	msgNoFile              = "No file uploaded"
	msgTooLarge            = "Uploaded file is too large"
	msgUploadTimeout       = "Upload timed out"
)

// statusClientClosedRequest 客户端在响应前断开，仅用于访问日志
const statusClientClosedRequest = 499

// Processor 单次处理，由 pipeline.Processor 实现
type Processor interface {
	Process(ctx context.Context, raw []byte) ([]byte, error)
}

// StatusSource 外部服务的探活结果
type StatusSource interface {
	Status() map[string]monitor.Status
}

type Options struct {
	RequestTimeout time.Duration
	// UploadTimeout 读取上传内容的时限，此时已占用名额
	UploadTimeout  time.Duration
	MaxUploadBytes int64
	CORSOrigins    []string
}

type Server struct {
	proc   Processor
	gate   *admission.Controller
	health StatusSource
	opts   Options
	engine *gin.Engine
}

func New(proc Processor, gate *admission.Controller, health StatusSource, opts Options) *Server {
	s := &Server{
		proc:   proc,
		gate:   gate,
		health: health,
		opts:   opts,
	}

	r := gin.New()
	r.Use(requestID(), accessLog(), recovery(), cors(opts.CORSOrigins))
	r.POST("/process", s.Process)
	r.GET("/health", s.Health)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Process POST /process，表单字段 file
//
//	先检查准入再读上传内容，满了直接 429，不占用 worker
func (s *Server) Process(c *gin.Context) {
	reqID := c.GetString(requestIDKey)

	if !s.gate.TryAcquire() {
		slog.Debug("capacity exceeded", "request_id", reqID, "capacity", s.gate.Capacity())
		c.Header("Retry-After", "1")
		respondError(c, http.StatusTooManyRequests, msgTooManyRequests)
		return
	}

	raw, err := s.readUpload(c)
	if err != nil {
		s.gate.Release()
		slog.Info("bad upload", "request_id", reqID, "error", err)
		var (
			maxErr *http.MaxBytesError
			netErr net.Error
		)
		switch {
		case errors.As(err, &maxErr):
			respondError(c, http.StatusRequestEntityTooLarge, msgTooLarge)
		case errors.As(err, &netErr) && netErr.Timeout():
			respondError(c, http.StatusRequestTimeout, msgUploadTimeout)
		default:
			respondError(c, http.StatusBadRequest, msgNoFile)
		}
		return
	}

	ctx := c.Request.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	// 名额由 worker 在处理结束后释放，超时返回时 worker 仍持有名额
	var out []byte
	done := s.gate.Submit(func() error {
		var err error
		out, err = s.proc.Process(ctx, raw)
		return err
	})

	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		default:
			err = ctx.Err()
		}
	}

	if err != nil {
		s.fail(c, reqID, err)
		return
	}
	c.Data(http.StatusOK, "image/png", out)
}

func (s *Server) readUpload(c *gin.Context) ([]byte, error) {
	if s.opts.UploadTimeout > 0 {
		rc := http.NewResponseController(c.Writer)
		if err := rc.SetReadDeadline(time.Now().Add(s.opts.UploadTimeout)); err != nil {
			slog.Debug("upload deadline not supported", "error", err)
		} else {
			defer func() {
				_ = rc.SetReadDeadline(time.Time{})
			}()
		}
	}
	if s.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("form file: %w", err)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open form file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read form file: %w", err)
	}
	return raw, nil
}

// fail 客户端错误返回原因，服务端错误只记录日志
func (s *Server) fail(c *gin.Context, reqID string, err error) {
	status, msg := statusFor(err)
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("request canceled", "request_id", reqID)
		c.AbortWithStatus(statusClientClosedRequest)
		return
	case status == http.StatusGatewayTimeout:
		slog.Warn("processing timed out", "request_id", reqID, "timeout", s.opts.RequestTimeout)
	case status >= http.StatusInternalServerError:
		slog.Error("processing failed", "request_id", reqID, "error", err)
	default:
		slog.Info("rejected upload", "request_id", reqID, "status", status, "reason", err)
	}
	respondError(c, status, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidUpload):
		return http.StatusBadRequest, msgInvalidUpload
	case errors.Is(err, pipeline.ErrInvalidAfterRemoval):
		return http.StatusBadRequest, msgInvalidAfterRemoval
	case errors.Is(err, pipeline.ErrNoFace):
		return http.StatusNotFound, msgNoFace
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, msgTimeout
	case errors.Is(err, pipeline.ErrEncoding):
		return http.StatusInternalServerError, msgEncoding
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// Health GET /health
func (s *Server) Health(c *gin.Context) {
	status := "ok"
	collaborators := map[string]monitor.Status{}
	if s.health != nil {
		collaborators = s.health.Status()
		for _, st := range collaborators {
			if !st.OK {
				status = "degraded"
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"capacity":      s.gate.Capacity(),
		"in_flight":     s.gate.InFlight(),
		"collaborators": collaborators,
	})
}

func respondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
