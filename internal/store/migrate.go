package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/npm-hub/internal/apperr"
)

// migrateLegacy 把旧版单文件注册表（name -> document 的扁平对象）拆分为每包一个目录。
// 文档先逐个写出，最后才覆盖根 registry.json；中途失败时旧文件保持原样，重跑即可继续。
func (s *Store) migrateLegacy(ctx context.Context, legacy map[string]json.RawMessage) (*RegistryMeta, error) {
	const op = "store.migrate"

	names := make([]string, 0, len(legacy))
	for name := range legacy {
		names = append(names, name)
	}
	sort.Strings(names)

	meta := newMeta()
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ValidateName(name); err != nil {
			return nil, apperr.New(apperr.KindConfig, op, fmt.Sprintf("legacy entry %q: %v", name, err))
		}

		var doc Document
		if err := json.Unmarshal(legacy[name], &doc); err != nil {
			return nil, apperr.New(apperr.KindConfig, op, fmt.Sprintf("legacy entry %q: %v", name, err))
		}
		doc.Name = name

		data, err := json.Marshal(&doc)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfig, op, err)
		}
		if err := s.fs.MkdirAll(s.PackageDir(name), 0o755); err != nil {
			return nil, apperr.Filesystem(op, err)
		}
		if err := writeFileAtomic(s.fs, s.documentPath(name), data, 0o644); err != nil {
			return nil, apperr.Filesystem(op, err)
		}
		meta.track(doc.IsProxied(), 1)
	}

	if err := s.writeMeta(meta); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"action":  "store_migrate",
		"root":    s.root,
		"count":   meta.Count,
		"local":   meta.Local,
		"proxied": meta.Proxied,
	}).Info("legacy registry migrated")
	return meta, nil
}
