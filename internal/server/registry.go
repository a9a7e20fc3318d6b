package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/url"
	"strconv"

	"github.com/Masterminds/semver/v3"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/npm-hub/internal/apperr"
	"github.com/any-hub/npm-hub/internal/attachment"
	"github.com/any-hub/npm-hub/internal/logging"
	"github.com/any-hub/npm-hub/internal/store"
)

// CacheHitHeader 标记附件下载是否直接命中本地文件。
const CacheHitHeader = "X-Npm-Hub-Cache-Hit"

type registryHandlers struct {
	logger      *logrus.Logger
	store       MetadataStore
	publisher   Publisher
	forwarder   Forwarder
	attachments AttachmentStore
}

// register 挂载 registry 路由；越具体的路径越先注册。
func (h *registryHandlers) register(app *fiber.App) {
	app.Get("/:name", h.route(h.getDocument))
	app.Get("/:name/-/:attachment", h.route(h.download))
	app.Get("/:name/:version", h.route(h.getVersion))

	app.Put("/:name", h.route(h.publish))
	app.Put("/:name/-rev/:revision", h.route(h.publish))
	app.Put("/:name/-/:attachment", h.route(h.upload))
	app.Put("/:name/-/:attachment/-rev/:revision", h.route(h.upload))
	app.Put("/:name/:version/-tag/:tagname", h.route(h.publishVersion))
	app.Put("/:name/:target", h.route(h.publishOrTag))

	app.Delete("/:name", h.route(h.unpublish))
	app.Delete("/:name/-rev/:revision", h.route(h.unpublish))
	app.Delete("/:name/-/:attachment", h.route(h.deleteAttachment))
	app.Delete("/:name/-/:attachment/-rev/:revision", h.route(h.deleteAttachment))
}

// route 让 /-/ 下的诊断请求穿过 registry 路由。
func (h *registryHandlers) route(fn fiber.Handler) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(c.Path()) {
			return c.Next()
		}
		return fn(c)
	}
}

func param(c fiber.Ctx, key string) string {
	raw := c.Params(key)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// loadDocument 读取本地文档，缺失时尝试回源；回源失败仍按 NotFound 返回。
func (h *registryHandlers) loadDocument(c fiber.Ctx, name string) (*store.Document, error) {
	ctx := c.Context()
	doc, err := h.store.Get(ctx, name)
	if err == nil || !errors.Is(err, apperr.ErrNotFound) {
		return doc, err
	}
	if !h.forwardingEnabled() {
		return nil, err
	}
	forwarded, fwdErr := h.forwarder.ForwardDocument(ctx, name)
	if fwdErr != nil {
		h.logFailure(c, "forward", name, fwdErr)
		return nil, err
	}
	return forwarded, nil
}

func (h *registryHandlers) forwardingEnabled() bool {
	return h.forwarder != nil && h.forwarder.Enabled()
}

func (h *registryHandlers) getDocument(c fiber.Ctx) error {
	doc, err := h.loadDocument(c, param(c, "name"))
	if err != nil {
		return WriteError(c, h.logger, err)
	}
	return c.JSON(doc)
}

// getVersion 返回单个版本；版本段也可以是 dist-tag。代理文档缺失版本时重新回源一次。
func (h *registryHandlers) getVersion(c fiber.Ctx) error {
	name := param(c, "name")
	version := param(c, "version")
	doc, err := h.loadDocument(c, name)
	if err != nil {
		return WriteError(c, h.logger, err)
	}

	blob, ok := resolveVersion(doc, version)
	if !ok && doc.IsProxied() && h.forwardingEnabled() {
		if refreshed, fwdErr := h.forwarder.ForwardDocument(c.Context(), name); fwdErr == nil {
			blob, ok = resolveVersion(refreshed, version)
		} else {
			h.logFailure(c, "forward", name, fwdErr)
		}
	}
	if !ok {
		return WriteError(c, h.logger, apperr.NotFound("registry.get_version", "document not found"))
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(blob)
}

func resolveVersion(doc *store.Document, version string) (json.RawMessage, bool) {
	if blob, ok := doc.Versions[version]; ok {
		return blob, true
	}
	if tagged, ok := doc.DistTags[version]; ok {
		blob, ok := doc.Versions[tagged]
		return blob, ok
	}
	return nil, false
}

func (h *registryHandlers) download(c fiber.Ctx) error {
	name := param(c, "name")
	file := param(c, "attachment")
	// 名字校验必须先于任何存储访问与回源
	if err := attachment.ValidName(name, file); err != nil {
		return WriteError(c, h.logger, err)
	}
	if _, err := h.loadDocument(c, name); err != nil {
		return WriteError(c, h.logger, err)
	}

	result, err := h.attachments.Open(c.Context(), name, file)
	if err != nil {
		return WriteError(c, h.logger, err)
	}
	c.Set(fiber.HeaderContentType, "application/octet-stream")
	c.Set(CacheHitHeader, strconv.FormatBool(result.CacheHit))
	return c.Status(fiber.StatusOK).SendStream(result.Reader, int(result.Size))
}

func (h *registryHandlers) publish(c fiber.Ctx) error {
	const op = "registry.publish"
	if !hasMediaType(c, fiber.MIMEApplicationJSON) {
		return WriteError(c, h.logger, apperr.BadRequest(op, "content type must be application/json"))
	}
	name := param(c, "name")
	doc, err := h.publisher.Publish(c.Context(), name, param(c, "revision"), c.Body())
	if err != nil {
		return WriteError(c, h.logger, err)
	}
	h.logger.WithFields(logging.PackageFields("publish", name, "")).
		WithField("rev", doc.Revision.String()).Info("document published")
	return c.JSON(fiber.Map{"ok": true})
}

func (h *registryHandlers) publishVersion(c fiber.Ctx) error {
	return h.putVersion(c, param(c, "name"), param(c, "version"), param(c, "tagname"))
}

// publishOrTag 区分 PUT /:name/:target：严格 semver 视为版本发布，否则视为 dist-tag 赋值。
func (h *registryHandlers) publishOrTag(c fiber.Ctx) error {
	name := param(c, "name")
	target := param(c, "target")
	if _, err := semver.StrictNewVersion(target); err == nil {
		return h.putVersion(c, name, target, "")
	}

	var version string
	if err := json.Unmarshal(c.Body(), &version); err != nil || version == "" {
		return WriteError(c, h.logger, apperr.BadRequest("registry.tag", "body must be a JSON string naming a version"))
	}
	doc, err := h.publisher.Tag(c.Context(), name, target, version)
	if err != nil {
		return WriteError(c, h.logger, err)
	}
	h.logger.WithFields(logging.PackageFields("tag", name, "")).
		WithField("tag", target).WithField("version", version).Info("dist-tag updated")
	return c.Status(fiber.StatusCreated).JSON(doc)
}

func (h *registryHandlers) putVersion(c fiber.Ctx, name, version, tag string) error {
	stored, err := h.publisher.PublishVersion(c.Context(), name, version, tag, c.Body())
	if err != nil {
		return WriteError(c, h.logger, err)
	}
	h.logger.WithFields(logging.PackageFields("publish_version", name, "")).
		WithField("version", stored).Info("version published")
	return c.JSON(stored)
}

func (h *registryHandlers) unpublish(c fiber.Ctx) error {
	name := param(c, "name")
	if err := h.publisher.Unpublish(c.Context(), name); err != nil {
		return WriteError(c, h.logger, err)
	}
	h.logger.WithFields(logging.PackageFields("unpublish", name, "")).Info("package removed")
	return c.JSON(fiber.Map{"ok": true})
}

func (h *registryHandlers) upload(c fiber.Ctx) error {
	name := param(c, "name")
	file := param(c, "attachment")
	if err := attachment.ValidName(name, file); err != nil {
		return WriteError(c, h.logger, err)
	}

	// Body() 会把流整体读入内存，必须先取流
	var body io.Reader
	if stream := c.Request().BodyStream(); stream != nil {
		body = stream
	} else {
		body = bytes.NewReader(c.Body())
	}
	if _, err := h.attachments.Put(c.Context(), name, file, c.Get(fiber.HeaderContentType), body); err != nil {
		return WriteError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{
		"ok":  true,
		"id":  c.Path(),
		"rev": "1",
	})
}

func (h *registryHandlers) deleteAttachment(c fiber.Ctx) error {
	name := param(c, "name")
	file := param(c, "attachment")
	if err := attachment.ValidName(name, file); err != nil {
		return WriteError(c, h.logger, err)
	}
	if err := h.attachments.Delete(c.Context(), name, file); err != nil {
		return WriteError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

func hasMediaType(c fiber.Ctx, want string) bool {
	mediaType, _, err := mime.ParseMediaType(c.Get(fiber.HeaderContentType))
	return err == nil && mediaType == want
}

func (h *registryHandlers) logFailure(c fiber.Ctx, action, name string, err error) {
	fields := logging.PackageFields(action, name, "")
	if reqID := RequestID(c); reqID != "" {
		fields["request_id"] = reqID
	}
	h.logger.WithFields(fields).WithError(err).Warn("registry operation failed")
}
