package routes

import (
	"context"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/npm-hub/internal/logging"
	"github.com/any-hub/npm-hub/internal/server"
	"github.com/any-hub/npm-hub/internal/store"
	"github.com/any-hub/npm-hub/internal/version"
)

// Registry 是诊断接口需要的元数据存储能力。
type Registry interface {
	Meta() (store.RegistryMeta, error)
	Settings() store.Settings
	Query(ctx context.Context, substring string) ([]store.Entry, error)
	RefreshMeta(ctx context.Context) (store.RegistryMeta, error)
}

// BreakerReporter 暴露上游熔断器状态，通常由 proxy.Forwarder 实现。
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// RegisterDiagnosticsRoutes 暴露 /-/status、/-/search 与 /-/refresh，供运维查询注册表状态。
func RegisterDiagnosticsRoutes(app *fiber.App, registry Registry, breakers BreakerReporter, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		meta, err := registry.Meta()
		if err != nil {
			return server.WriteError(c, logger, err)
		}
		payload := fiber.Map{
			"service":  "npm-hub",
			"version":  version.Payload(),
			"counters": encodeCounters(meta),
			"settings": registry.Settings(),
		}
		if breakers != nil {
			payload["upstreams"] = breakers.BreakerStates()
		}
		return c.JSON(payload)
	})

	app.Get("/-/search", func(c fiber.Ctx) error {
		query := strings.TrimSpace(c.Query("q"))
		entries, err := registry.Query(c.Context(), query)
		if err != nil {
			return server.WriteError(c, logger, err)
		}
		return c.JSON(fiber.Map{
			"query":   query,
			"total":   len(entries),
			"objects": encodeSearchResults(entries),
		})
	})

	app.Post("/-/refresh", func(c fiber.Ctx) error {
		meta, err := registry.RefreshMeta(c.Context())
		if err != nil {
			return server.WriteError(c, logger, err)
		}
		fields := logging.RequestFields(server.RequestID(c), c.Method(), c.Path(), fiber.StatusOK)
		fields["action"] = "refresh_meta"
		fields["count"] = meta.Count
		logger.WithFields(fields).Info("registry counters recomputed")
		return c.JSON(fiber.Map{
			"ok":       true,
			"counters": encodeCounters(meta),
		})
	})
}

type countersPayload struct {
	Count   int `json:"count"`
	Local   int `json:"local"`
	Proxied int `json:"proxied"`
}

type searchResult struct {
	Name    string `json:"name"`
	Latest  string `json:"latest,omitempty"`
	Proxied bool   `json:"proxied"`
}

func encodeCounters(meta store.RegistryMeta) countersPayload {
	return countersPayload{Count: meta.Count, Local: meta.Local, Proxied: meta.Proxied}
}

func encodeSearchResults(entries []store.Entry) []searchResult {
	result := make([]searchResult, 0, len(entries))
	for _, entry := range entries {
		result = append(result, searchResult{
			Name:    entry.Name,
			Latest:  latestVersion(entry.Document),
			Proxied: entry.Document.IsProxied(),
		})
	}
	return result
}

// latestVersion 优先使用 dist-tags.latest，否则取可解析版本中最高的一个。
func latestVersion(doc *store.Document) string {
	if doc == nil {
		return ""
	}
	if latest := doc.DistTags["latest"]; latest != "" {
		return latest
	}
	versions := make([]*semver.Version, 0, len(doc.Versions))
	for raw := range doc.Versions {
		parsed, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		versions = append(versions, parsed)
	}
	if len(versions) == 0 {
		return ""
	}
	sort.Sort(semver.Collection(versions))
	return versions[len(versions)-1].Original()
}
