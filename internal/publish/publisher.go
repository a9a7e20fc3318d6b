// Package publish implements the publish, versioned publish, tag and unpublish
// transitions on top of the metadata store. Every read-modify-write runs under
// a per-package lock and is guarded by the document revision.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/npm-hub/internal/apperr"
	"github.com/any-hub/npm-hub/internal/logging"
	"github.com/any-hub/npm-hub/internal/store"
)

// DocumentStore 是 Publisher 依赖的元数据存储能力。
type DocumentStore interface {
	Get(ctx context.Context, name string) (*store.Document, error)
	Set(ctx context.Context, doc *store.Document) error
	Remove(ctx context.Context, name string) error
}

// AttachmentCleaner 在 unpublish 时清理磁盘上的附件与包目录。
type AttachmentCleaner interface {
	Discard(ctx context.Context, pkg, attachment string) error
	RemovePackage(ctx context.Context, pkg string) error
}

// Publisher 负责文档的发布状态迁移。
type Publisher struct {
	store       DocumentStore
	attachments AttachmentCleaner
	logger      *logrus.Logger
	locks       *keyedLock
}

// New 构造 Publisher；logger 为空时丢弃日志。
func New(docs DocumentStore, attachments AttachmentCleaner, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher{
		store:       docs,
		attachments: attachments,
		logger:      logger,
		locks:       newKeyedLock(),
	}
}

// Publish 以请求体整体替换文档。已有文档时必须提供与当前一致的 revision，
// 成功后 revision 前进一位；新文档沿用请求体中的 revision（缺省为 0）。
func (p *Publisher) Publish(ctx context.Context, name, revision string, body []byte) (*store.Document, error) {
	const op = "publish.full"
	if err := validateName(op, name); err != nil {
		return nil, err
	}

	var doc store.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperr.InvalidArgument(op, "request body is not a JSON document")
	}
	if doc.Name == "" {
		doc.Name = name
	}
	if doc.Name != name {
		return nil, apperr.InvalidArgument(op, "document name does not match the request path")
	}

	unlock := p.locks.lock(name)
	defer unlock()

	current, err := p.store.Get(ctx, name)
	switch {
	case err == nil:
		if revision == "" {
			return nil, apperr.Conflict(op, "must supply latest revision to update existing package")
		}
		if !current.Revision.Matches(revision) {
			return nil, apperr.Conflict(op, "revision does not match the stored document")
		}
		doc.Revision = current.Revision.Successor()
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return nil, err
	}

	dropProvenance(&doc)
	if err := p.store.Set(ctx, &doc); err != nil {
		return nil, err
	}

	p.logger.WithFields(logging.PackageFields("publish", name, "")).
		WithField("revision", doc.Revision.String()).Info("package published")
	return &doc, nil
}

// PublishVersion 插入或覆盖单个版本，tag 非空时同时指向该版本。
func (p *Publisher) PublishVersion(ctx context.Context, name, version, tag string, body []byte) (string, error) {
	const op = "publish.version"
	if err := validateName(op, name); err != nil {
		return "", err
	}
	if version == "" {
		return "", apperr.InvalidArgument(op, "version is empty")
	}
	meta, err := versionBlob(body)
	if err != nil {
		return "", apperr.InvalidArgument(op, err.Error())
	}

	unlock := p.locks.lock(name)
	defer unlock()

	doc, err := p.store.Get(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrNotFound):
		doc = store.NewDocument(name)
	default:
		return "", err
	}

	if doc.Versions == nil {
		doc.Versions = make(map[string]json.RawMessage)
	}
	doc.Versions[version] = meta
	if tag != "" {
		if doc.DistTags == nil {
			doc.DistTags = make(map[string]string)
		}
		doc.DistTags[tag] = version
	}
	doc.Revision = doc.Revision.Advance()
	dropProvenance(doc)

	if err := p.store.Set(ctx, doc); err != nil {
		return "", err
	}

	p.logger.WithFields(logging.PackageFields("publish_version", name, "")).WithFields(logrus.Fields{
		"version":  version,
		"tag":      tag,
		"revision": doc.Revision.String(),
	}).Info("package version published")
	return version, nil
}

// Tag 把 dist-tag 指向一个已发布的版本并返回更新后的文档。
func (p *Publisher) Tag(ctx context.Context, name, tag, version string) (*store.Document, error) {
	const op = "publish.tag"
	if err := validateName(op, name); err != nil {
		return nil, err
	}
	if tag == "" {
		return nil, apperr.InvalidArgument(op, "tag is empty")
	}
	if version == "" {
		return nil, apperr.InvalidArgument(op, "version is empty")
	}

	unlock := p.locks.lock(name)
	defer unlock()

	doc, err := p.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Versions[version]; !ok {
		return nil, apperr.NotFound(op, "version not found")
	}
	if doc.DistTags == nil {
		doc.DistTags = make(map[string]string)
	}
	doc.DistTags[tag] = version
	doc.Revision = doc.Revision.Advance()

	if err := p.store.Set(ctx, doc); err != nil {
		return nil, err
	}

	p.logger.WithFields(logging.PackageFields("tag", name, "")).WithFields(logrus.Fields{
		"tag":     tag,
		"version": version,
	}).Info("dist-tag updated")
	return doc, nil
}

// Unpublish 删除文档、所有已缓存附件以及包目录；文档不存在时为 no-op。
func (p *Publisher) Unpublish(ctx context.Context, name string) error {
	const op = "publish.unpublish"
	if err := validateName(op, name); err != nil {
		return err
	}

	unlock := p.locks.lock(name)
	defer unlock()

	doc, err := p.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}

	attachments := attachmentNames(doc)
	for _, attachment := range attachments {
		if err := p.attachments.Discard(ctx, name, attachment); err != nil {
			return err
		}
	}
	if err := p.store.Remove(ctx, name); err != nil {
		return err
	}
	if err := p.attachments.RemovePackage(ctx, name); err != nil {
		return err
	}

	p.logger.WithFields(logging.PackageFields("unpublish", name, "")).
		WithField("attachments", len(attachments)).Info("package unpublished")
	return nil
}

func validateName(op, name string) error {
	if err := store.ValidateName(name); err != nil {
		return apperr.InvalidArgument(op, err.Error())
	}
	return nil
}

// versionBlob 要求版本元数据是 JSON 对象。
func versionBlob(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, errors.New("version metadata must be a JSON object")
	}
	return json.RawMessage(append([]byte(nil), trimmed...)), nil
}

// dropProvenance 让本地发布覆盖代理来源，文档此后按本地包计数。
func dropProvenance(doc *store.Document) {
	doc.Proxied = false
	doc.ForwardDists = nil
}

// attachmentNames 合并版本 tarball 与 forwardDists 中记录的附件名。
func attachmentNames(doc *store.Document) []string {
	seen := make(map[string]struct{})
	for _, name := range doc.Attachments() {
		seen[name] = struct{}{}
	}
	for name := range doc.ForwardDists {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
