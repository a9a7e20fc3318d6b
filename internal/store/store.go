package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/npm-hub/internal/apperr"
	"github.com/any-hub/npm-hub/internal/logging"
)

// Options 控制 Store 的可选依赖。
type Options struct {
	Logger *logrus.Logger
}

// Store 是磁盘上的元数据存储。所有修改类操作共用 mu，保证计数与文档一致。
type Store struct {
	fs     afero.Fs
	root   string
	logger *logrus.Logger

	mu          sync.Mutex
	meta        *RegistryMeta
	initialized atomic.Bool
}

// New 构造未初始化的 Store；调用 Init 之前所有读写都会返回 NotInitialized。
func New(fsys afero.Fs, root string, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Store{
		fs:     fsys,
		root:   filepath.Clean(root),
		logger: logger,
	}
}

// Open 是 New + Init 的便捷组合。
func Open(ctx context.Context, fsys afero.Fs, root string, opts Options) (*Store, error) {
	s := New(fsys, root, opts)
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Root 返回注册表根目录。
func (s *Store) Root() string {
	return s.root
}

// Fs 返回底层文件系统，附件存储与之共享同一棵目录树。
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// PackageDir 返回包目录的路径。
func (s *Store) PackageDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) documentPath(name string) string {
	return filepath.Join(s.root, name, DocumentFileName(name))
}

// DocumentFileName 返回包目录内文档文件的文件名。
func DocumentFileName(name string) string {
	return name + ".json"
}

func (s *Store) metaPath() string {
	return filepath.Join(s.root, metaFileName)
}

// Init 检查根目录并加载（必要时创建或迁移）注册表元数据。重复调用是安全的。
func (s *Store) Init(ctx context.Context) error {
	const op = "store.init"
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := s.fs.Stat(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.New(apperr.KindConfig, op, fmt.Sprintf("registry root %s does not exist", s.root))
		}
		return apperr.Filesystem(op, err)
	}
	if !info.IsDir() {
		return apperr.New(apperr.KindConfig, op, fmt.Sprintf("registry root %s is not a directory", s.root))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta(ctx)
	if err != nil {
		return err
	}
	s.meta = meta
	s.initialized.Store(true)

	s.logger.WithFields(logrus.Fields{
		"action":  "store_init",
		"root":    s.root,
		"count":   meta.Count,
		"local":   meta.Local,
		"proxied": meta.Proxied,
	}).Info("registry store ready")
	return nil
}

func (s *Store) loadMeta(ctx context.Context) (*RegistryMeta, error) {
	const op = "store.init"
	data, err := afero.ReadFile(s.fs, s.metaPath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Filesystem(op, err)
		}
		meta := newMeta()
		if err := s.writeMeta(meta); err != nil {
			return nil, err
		}
		return meta, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, apperr.Filesystem(op, fmt.Errorf("parse %s: %w", metaFileName, err))
	}
	if _, ok := probe["schemaVersion"]; !ok {
		return s.migrateLegacy(ctx, probe)
	}

	meta := newMeta()
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, apperr.Filesystem(op, fmt.Errorf("parse %s: %w", metaFileName, err))
	}
	if meta.Settings.Registry == "" {
		meta.Settings.Registry = DefaultRegistry
	}
	return meta, nil
}

func (s *Store) ready(op string) error {
	if !s.initialized.Load() {
		return apperr.New(apperr.KindNotInitialized, op, "store used before init")
	}
	return nil
}

func checkName(op, name string) error {
	if err := ValidateName(name); err != nil {
		return apperr.InvalidArgument(op, err.Error())
	}
	return nil
}

// Get 读取包文档。
func (s *Store) Get(ctx context.Context, name string) (*Document, error) {
	const op = "store.get"
	if err := checkName(op, name); err != nil {
		return nil, err
	}
	if err := s.ready(op); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readDocument(op, name)
}

// GetVersion 返回文档中某个版本的原始 JSON。
func (s *Store) GetVersion(ctx context.Context, name, version string) (json.RawMessage, error) {
	const op = "store.get_version"
	if version == "" {
		return nil, apperr.InvalidArgument(op, "version is empty")
	}
	doc, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	raw, ok := doc.Versions[version]
	if !ok {
		return nil, apperr.NotFound(op, "version not found")
	}
	return raw, nil
}

func (s *Store) readDocument(op, name string) (*Document, error) {
	data, err := afero.ReadFile(s.fs, s.documentPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFound(op, "document not found")
		}
		return nil, apperr.Filesystem(op, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperr.Filesystem(op, fmt.Errorf("parse document %s: %w", name, err))
	}
	if doc.Name == "" {
		doc.Name = name
	}
	return &doc, nil
}

// Set 写入（新建或替换）文档，并按文档分类维护计数。
func (s *Store) Set(ctx context.Context, doc *Document) error {
	const op = "store.set"
	data, err := s.prepareSet(ctx, op, doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.readDocument(op, doc.Name)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return s.writeLocked(op, doc, prev, data)
}

// SetProxied 写入代理文档；若已存在本地发布的文档则保持不变并返回它。
// 检查与写入在同一把锁下完成，并发的本地发布不会被覆盖。
func (s *Store) SetProxied(ctx context.Context, doc *Document) (*Document, error) {
	const op = "store.set_proxied"
	if doc != nil && !doc.IsProxied() {
		return nil, apperr.InvalidArgument(op, "document is not proxied")
	}
	data, err := s.prepareSet(ctx, op, doc)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.readDocument(op, doc.Name)
	switch {
	case err == nil:
		if !prev.IsProxied() {
			return prev, nil
		}
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return nil, err
	}
	if err := s.writeLocked(op, doc, prev, data); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) prepareSet(ctx context.Context, op string, doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, apperr.InvalidArgument(op, "document is nil")
	}
	if err := checkName(op, doc.Name); err != nil {
		return nil, err
	}
	if err := s.ready(op); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	return data, nil
}

// writeLocked 要求调用方持有 s.mu；prev 为 nil 表示新文档。
func (s *Store) writeLocked(op string, doc, prev *Document, data []byte) error {
	if err := s.fs.MkdirAll(s.PackageDir(doc.Name), 0o755); err != nil {
		return apperr.Filesystem(op, err)
	}

	next := *s.meta
	proxied := doc.IsProxied()
	if prev == nil {
		next.track(proxied, 1)
	} else if wasProxied := prev.IsProxied(); wasProxied != proxied {
		next.track(wasProxied, -1)
		next.track(proxied, 1)
	}

	if err := writeFileAtomic(s.fs, s.documentPath(doc.Name), data, 0o644); err != nil {
		return apperr.Filesystem(op, err)
	}
	return s.commitMeta(&next)
}

// Remove 删除文档并调整计数；文档不存在时为 no-op。
func (s *Store) Remove(ctx context.Context, name string) error {
	const op = "store.remove"
	if err := checkName(op, name); err != nil {
		return err
	}
	if err := s.ready(op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.readDocument(op, name)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}

	next := *s.meta
	next.track(prev.IsProxied(), -1)
	if err := s.commitMeta(&next); err != nil {
		return err
	}
	if err := s.fs.Remove(s.documentPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Filesystem(op, err)
	}
	return nil
}

// Meta 返回当前计数与设置的快照。
func (s *Store) Meta() (RegistryMeta, error) {
	if err := s.ready("store.meta"); err != nil {
		return RegistryMeta{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.meta, nil
}

// Settings 返回持久化的转发设置；未初始化时返回默认值。
func (s *Store) Settings() Settings {
	if !s.initialized.Load() {
		return DefaultSettings()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Settings
}

// UpdateSettings 覆盖持久化的转发设置。
func (s *Store) UpdateSettings(ctx context.Context, settings Settings) error {
	const op = "store.update_settings"
	if err := s.ready(op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if settings.Registry == "" {
		return apperr.InvalidArgument(op, "registry is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.meta
	next.Settings = settings
	return s.commitMeta(&next)
}

// commitMeta 在 mu 持有期间写入新的元数据；内容未变化时跳过写盘。
func (s *Store) commitMeta(next *RegistryMeta) error {
	if s.meta != nil && *next == *s.meta {
		return nil
	}
	if err := s.writeMeta(next); err != nil {
		return err
	}
	s.meta = next
	return nil
}

func (s *Store) writeMeta(meta *RegistryMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindFilesystem, "store.write_meta", err)
	}
	if err := writeFileAtomic(s.fs, s.metaPath(), data, 0o644); err != nil {
		return apperr.Filesystem("store.write_meta", err)
	}
	return nil
}

// writeFileAtomic 先写同目录临时文件再 rename，失败时清理临时文件。
func writeFileAtomic(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	tmp, err := afero.TempFile(fsys, filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = fsys.Chmod(tmpName, perm)
	}
	if err == nil {
		err = fsys.Rename(tmpName, path)
	}
	if err != nil {
		_ = fsys.Remove(tmpName)
		return err
	}
	return nil
}
