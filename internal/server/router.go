package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/npm-hub/internal/attachment"
	"github.com/any-hub/npm-hub/internal/logging"
	"github.com/any-hub/npm-hub/internal/store"
)

// MetadataStore 是 HTTP 层读取包文档所需的能力。
type MetadataStore interface {
	Get(ctx context.Context, name string) (*store.Document, error)
}

// Publisher 描述发布协议的状态迁移。
type Publisher interface {
	Publish(ctx context.Context, name, revision string, body []byte) (*store.Document, error)
	PublishVersion(ctx context.Context, name, version, tag string, body []byte) (string, error)
	Tag(ctx context.Context, name, tag, version string) (*store.Document, error)
	Unpublish(ctx context.Context, name string) error
}

// Forwarder 在本地缺失时从上游拉取文档。
type Forwarder interface {
	Enabled() bool
	ForwardDocument(ctx context.Context, name string) (*store.Document, error)
}

// AttachmentStore 负责 tarball 的读取、上传与删除。
type AttachmentStore interface {
	Open(ctx context.Context, pkg, name string) (*attachment.Download, error)
	Put(ctx context.Context, pkg, name, contentType string, body io.Reader) (*attachment.Entry, error)
	Delete(ctx context.Context, pkg, name string) error
}

// AppOptions 汇总 NewApp 需要的依赖。Forwarder 可为空，表示离线模式。
type AppOptions struct {
	Logger      *logrus.Logger
	Store       MetadataStore
	Publisher   Publisher
	Forwarder   Forwarder
	Attachments AttachmentStore
	// BodyLimit 限制非流式请求体大小，0 使用默认值。
	BodyLimit int
}

const (
	contextKeyRequestID = "_npmhub_request_id"

	defaultBodyLimit = 256 << 20
)

// NewApp builds the Fiber application with request ids, access logging,
// structured error handling and the registry routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("metadata store is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if opts.Attachments == nil {
		return nil, errors.New("attachment store is required")
	}
	bodyLimit := opts.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		CaseSensitive:     true,
		StreamRequestBody: true,
		BodyLimit:         bodyLimit,
		ErrorHandler:      errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &registryHandlers{
		logger:      opts.Logger,
		store:       opts.Store,
		publisher:   opts.Publisher,
		forwarder:   opts.Forwarder,
		attachments: opts.Attachments,
	}
	h.register(app)

	return app, nil
}

// requestContextMiddleware 生成请求 ID 并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	handleError := errorHandler(logger)
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if err := c.Next(); err != nil {
			if renderErr := handleError(c, err); renderErr != nil {
				return renderErr
			}
		}

		status := c.Response().StatusCode()
		fields := logging.RequestFields(reqID, c.Method(), c.Path(), status)
		fields["action"] = "access"
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		entry := logger.WithFields(fields)
		if status >= fiber.StatusInternalServerError {
			entry.Warn("request completed")
		} else {
			entry.Info("request completed")
		}
		return nil
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
