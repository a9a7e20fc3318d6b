// Package store persists package metadata documents under StoragePath. Each
// package owns a directory <root>/<name>/ holding <name>.json (the document),
// while <root>/registry.json carries registry-wide counters and settings. All
// writes go through temp file + rename so readers never observe partial JSON,
// and mutations are serialized by a single store mutex so counters stay in step
// with the documents on disk. Legacy single-file registries are migrated on Init.
package store
