// Package attachment manages package tarballs stored beside their documents
// under <root>/<name>/. Downloads that miss on disk are filled from the
// upstream URL recorded in the document's forwardDists; uploads and fills are
// written to a temp file first and renamed into place, so a partially written
// tarball is never visible under its final name.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/npm-hub/internal/apperr"
	"github.com/any-hub/npm-hub/internal/logging"
	"github.com/any-hub/npm-hub/internal/store"
)

// ContentType 是上传附件唯一接受的媒体类型。
const ContentType = "application/octet-stream"

// DocumentReader 用于查询附件所属的包文档。
type DocumentReader interface {
	Get(ctx context.Context, name string) (*store.Document, error)
}

// Fetcher 从上游拉取 tarball，通常由 proxy.Forwarder 实现。
type Fetcher interface {
	FetchAttachment(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Options 描述附件存储的文件系统位置与可选依赖。
type Options struct {
	Fs     afero.Fs
	Root   string
	Logger *logrus.Logger
}

// Store 是附件的磁盘存储。
type Store struct {
	fs      afero.Fs
	root    string
	docs    DocumentReader
	fetcher Fetcher
	logger  *logrus.Logger

	mu    sync.Mutex
	locks map[string]*entryLock

	fills singleflight.Group
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Download 是一次下载的结果，Reader 由调用方关闭。
type Download struct {
	Reader   io.ReadCloser
	Size     int64
	ModTime  time.Time
	CacheHit bool
}

// Entry 描述一次上传写入的附件。
type Entry struct {
	Package    string
	Attachment string
	Size       int64
}

// New 构造附件存储；fetcher 为空时缓存未命中直接返回 NotFound。
func New(docs DocumentReader, fetcher Fetcher, opts Options) *Store {
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		fs:      fsys,
		root:    filepath.Clean(opts.Root),
		docs:    docs,
		fetcher: fetcher,
		logger:  logger,
		locks:   make(map[string]*entryLock),
	}
}

// ValidName 在接触文件系统或元数据之前校验包名与附件名，非法时返回 NotFound。
func ValidName(pkg, attachment string) error {
	if !validAttachment(pkg, attachment) {
		return apperr.NotFound("attachment.validate", "attachment not found")
	}
	return nil
}

// validAttachment 拒绝任何可能逃出包目录或命中内部文件的名字。
func validAttachment(pkg, attachment string) bool {
	switch {
	case attachment == "", attachment == ".", attachment == "..":
		return false
	case strings.ContainsAny(attachment, "/\\\x00"):
		return false
	case strings.HasPrefix(attachment, "."):
		return false
	case attachment == store.DocumentFileName(pkg):
		return false
	}
	return store.ValidateName(pkg) == nil
}

func (s *Store) path(pkg, attachment string) string {
	return filepath.Join(s.root, pkg, attachment)
}

// Open 返回附件内容；本地缺失且文档记录了上游地址时先回源填充缓存。
func (s *Store) Open(ctx context.Context, pkg, attachment string) (*Download, error) {
	const op = "attachment.download"
	if !validAttachment(pkg, attachment) {
		return nil, apperr.NotFound(op, "attachment not found")
	}

	doc, err := s.docs.Get(ctx, pkg)
	if err != nil {
		return nil, err
	}

	if download, err := s.openFile(op, pkg, attachment); err == nil {
		download.CacheHit = true
		return download, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	upstream, ok := doc.ForwardDists[attachment]
	if !ok || s.fetcher == nil {
		return nil, apperr.NotFound(op, "attachment not found")
	}

	key := pkg + "/" + attachment
	_, err, _ = s.fills.Do(key, func() (interface{}, error) {
		return nil, s.fill(context.WithoutCancel(ctx), pkg, attachment, upstream)
	})
	if err != nil {
		return nil, err
	}
	return s.openFile(op, pkg, attachment)
}

func (s *Store) openFile(op, pkg, attachment string) (*Download, error) {
	filePath := s.path(pkg, attachment)
	info, err := s.fs.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFound(op, "attachment not found")
		}
		return nil, apperr.Filesystem(op, err)
	}
	if info.IsDir() {
		return nil, apperr.NotFound(op, "attachment not found")
	}
	f, err := s.fs.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFound(op, "attachment not found")
		}
		return nil, apperr.Filesystem(op, err)
	}
	return &Download{Reader: f, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// fill 从上游下载附件到临时文件后 rename 到最终位置；失败时不留下任何文件。
func (s *Store) fill(ctx context.Context, pkg, attachment, upstream string) error {
	const op = "attachment.fill"
	unlock := s.lockEntry(pkg, attachment)
	defer unlock()

	if exists, _ := afero.Exists(s.fs, s.path(pkg, attachment)); exists {
		return nil
	}

	started := time.Now()
	body, err := s.fetcher.FetchAttachment(ctx, upstream)
	if err != nil {
		s.logFill(pkg, attachment, upstream, 0, started, err)
		return err
	}
	defer body.Close()

	if err := s.fs.MkdirAll(filepath.Join(s.root, pkg), 0o755); err != nil {
		return apperr.Filesystem(op, err)
	}
	written, err := s.writeStream(ctx, s.path(pkg, attachment), body)
	if err != nil {
		err = apperr.Wrap(apperr.KindUpstream, op, fmt.Errorf("transfer %s: %w", upstream, err))
		s.logFill(pkg, attachment, upstream, written, started, err)
		return err
	}

	s.logFill(pkg, attachment, upstream, written, started, nil)
	return nil
}

// Put 以流的方式写入上传的附件（覆盖已有文件），不修改包文档。
func (s *Store) Put(ctx context.Context, pkg, attachment, contentType string, body io.Reader) (*Entry, error) {
	const op = "attachment.upload"
	if !validAttachment(pkg, attachment) {
		return nil, apperr.NotFound(op, "attachment not found")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != ContentType {
		return nil, apperr.BadRequest(op, "content type must be "+ContentType)
	}

	unlock := s.lockEntry(pkg, attachment)
	defer unlock()

	if err := s.fs.MkdirAll(filepath.Join(s.root, pkg), 0o755); err != nil {
		return nil, apperr.Filesystem(op, err)
	}
	written, err := s.writeStream(ctx, s.path(pkg, attachment), body)
	if err != nil {
		return nil, apperr.Filesystem(op, err)
	}

	s.logger.WithFields(logging.PackageFields("attachment_upload", pkg, attachment)).
		WithField("size_bytes", written).Info("attachment stored")
	return &Entry{Package: pkg, Attachment: attachment, Size: written}, nil
}

// Delete 删除附件；包或文件不存在时返回 NotFound。
func (s *Store) Delete(ctx context.Context, pkg, attachment string) error {
	const op = "attachment.delete"
	if !validAttachment(pkg, attachment) {
		return apperr.NotFound(op, "attachment not found")
	}
	if _, err := s.docs.Get(ctx, pkg); err != nil {
		return err
	}

	unlock := s.lockEntry(pkg, attachment)
	defer unlock()

	if err := s.fs.Remove(s.path(pkg, attachment)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.NotFound(op, "attachment not found")
		}
		return apperr.Filesystem(op, err)
	}
	s.logger.WithFields(logging.PackageFields("attachment_delete", pkg, attachment)).Info("attachment removed")
	return nil
}

// Discard 删除附件文件，文件不存在或名字非法时视为成功。
func (s *Store) Discard(_ context.Context, pkg, attachment string) error {
	if !validAttachment(pkg, attachment) {
		return nil
	}
	unlock := s.lockEntry(pkg, attachment)
	defer unlock()

	if err := s.fs.Remove(s.path(pkg, attachment)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Filesystem("attachment.discard", err)
	}
	return nil
}

// RemovePackage 删除整个包目录。
func (s *Store) RemovePackage(_ context.Context, pkg string) error {
	const op = "attachment.remove_package"
	if err := store.ValidateName(pkg); err != nil {
		return apperr.InvalidArgument(op, err.Error())
	}
	if err := s.fs.RemoveAll(filepath.Join(s.root, pkg)); err != nil {
		return apperr.Filesystem(op, err)
	}
	return nil
}

// writeStream 写入同目录临时文件（0600）后 rename，失败时删除临时文件。
func (s *Store) writeStream(ctx context.Context, dest string, body io.Reader) (int64, error) {
	tmp, err := afero.TempFile(s.fs, filepath.Dir(dest), ".attachment-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	written, err := copyWithContext(ctx, tmp, body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = s.fs.Chmod(tmpName, 0o600)
	}
	if err == nil {
		err = s.fs.Rename(tmpName, dest)
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return written, err
	}
	return written, nil
}

func (s *Store) lockEntry(pkg, attachment string) func() {
	key := pkg + "::" + attachment
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *Store) logFill(pkg, attachment, upstream string, written int64, started time.Time, err error) {
	fields := logging.PackageFields("attachment_fill", pkg, attachment)
	fields["upstream"] = upstream
	fields["size_bytes"] = written
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Warn("attachment_fill_failed")
		return
	}
	s.logger.WithFields(fields).Info("attachment_fill_complete")
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
