package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/npm-hub/internal/apperr"
)

// Entry 是 Query 的单条结果。
type Entry struct {
	Name     string
	Document *Document
}

// Query 返回名称包含 substring 的所有文档（substring 为空时返回全部），按名称排序。
func (s *Store) Query(ctx context.Context, substring string) ([]Entry, error) {
	const op = "store.query"
	if err := s.ready(op); err != nil {
		return nil, err
	}

	var entries []Entry
	err := s.scan(ctx, op, func(name string, doc *Document) {
		if strings.Contains(name, substring) {
			entries = append(entries, Entry{Name: name, Document: doc})
		}
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// RefreshMeta 扫描所有包目录重新计算计数，用于修复计数漂移。
func (s *Store) RefreshMeta(ctx context.Context) (RegistryMeta, error) {
	const op = "store.refresh_meta"
	if err := s.ready(op); err != nil {
		return RegistryMeta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.meta
	next.Count, next.Local, next.Proxied = 0, 0, 0
	err := s.scan(ctx, op, func(_ string, doc *Document) {
		next.track(doc.IsProxied(), 1)
	})
	if err != nil {
		return RegistryMeta{}, err
	}
	if err := s.commitMeta(&next); err != nil {
		return RegistryMeta{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"action":  "store_refresh_meta",
		"count":   next.Count,
		"local":   next.Local,
		"proxied": next.Proxied,
	}).Info("registry counters recomputed")
	return next, nil
}

// scan 依名称顺序遍历根目录下的包目录；缺少或无法解析文档的目录会被跳过。
func (s *Store) scan(ctx context.Context, op string, fn func(name string, doc *Document)) error {
	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return apperr.Filesystem(op, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.IsDir() {
			continue
		}
		name := info.Name()
		if ValidateName(name) != nil {
			continue
		}
		doc, err := s.readDocument(op, name)
		if err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				s.logger.WithFields(logrus.Fields{
					"action": "store_scan",
					"name":   name,
				}).WithError(err).Warn("skip unreadable document")
			}
			continue
		}
		fn(name, doc)
	}
	return nil
}
