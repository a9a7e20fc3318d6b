package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/afero"

	"github.com/any-hub/npm-hub/internal/apperr"
)

const testRoot = "/registry"

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	if err := fsys.MkdirAll(testRoot, 0o755); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}
	s, err := Open(context.Background(), fsys, testRoot, Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, fsys
}

func sampleDocument(name string, proxied bool) *Document {
	doc := NewDocument(name)
	doc.Versions["1.0.0"] = json.RawMessage(`{"name":"` + name + `","version":"1.0.0","dist":{"tarball":"http://localhost:5000/` + name + `/-/` + name + `-1.0.0.tgz"}}`)
	doc.DistTags["latest"] = "1.0.0"
	doc.Proxied = proxied
	return doc
}

func assertMeta(t *testing.T, s *Store, count, local, proxied int) {
	t.Helper()
	meta, err := s.Meta()
	if err != nil {
		t.Fatalf("meta error: %v", err)
	}
	if meta.Count != count || meta.Local != local || meta.Proxied != proxied {
		t.Fatalf("unexpected counters: count=%d local=%d proxied=%d", meta.Count, meta.Local, meta.Proxied)
	}
	if meta.Count != meta.Local+meta.Proxied {
		t.Fatalf("count drifted from buckets: %+v", meta)
	}
}

func TestDocumentRoundTripKeepsUnknownFields(t *testing.T) {
	doc := &Document{
		Name:         "left-pad",
		Revision:     NumericRevision(3),
		Versions:     map[string]json.RawMessage{"1.0.0": json.RawMessage(`{"version":"1.0.0"}`)},
		DistTags:     map[string]string{"latest": "1.0.0"},
		ForwardDists: map[string]string{"left-pad-1.0.0.tgz": "https://registry.npmjs.org/left-pad/-/left-pad-1.0.0.tgz"},
		Extra: map[string]json.RawMessage{
			"description": json.RawMessage(`"pad strings"`),
			"time":        json.RawMessage(`{"created":"2016-01-01T00:00:00Z"}`),
		},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var decoded Document
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if diff := cmp.Diff(doc, &decoded, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !decoded.IsProxied() {
		t.Fatalf("forwardDists should classify document as proxied")
	}
}

func TestRevisionLegacyValues(t *testing.T) {
	var doc Document
	if err := json.Unmarshal([]byte(`{"name":"a","_rev":"2-9f8e7d"}`), &doc); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if !doc.Revision.IsLegacy() {
		t.Fatalf("expected legacy revision, got %s", doc.Revision)
	}
	if got := doc.Revision.Advance(); got.IsLegacy() || got.Int() != 0 {
		t.Fatalf("legacy advance should reset to 0, got %s", got)
	}
	if got := doc.Revision.Successor(); got.Int() != 1 {
		t.Fatalf("legacy successor should be 1, got %s", got)
	}
	if !doc.Revision.Matches("2-9f8e7d") {
		t.Fatalf("legacy revision should match its own string")
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var probe map[string]interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if probe["_rev"] != "2-9f8e7d" {
		t.Fatalf("legacy revision should be written back as string, got %v", probe["_rev"])
	}

	if err := json.Unmarshal([]byte(`{"name":"a","_rev":"7"}`), &doc); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if doc.Revision.IsLegacy() || doc.Revision.Int() != 7 {
		t.Fatalf("numeric string should decode as integer revision, got %s", doc.Revision)
	}

	if err := json.Unmarshal([]byte(`{"name":"a","revision":4}`), &doc); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if doc.Revision.Int() != 4 {
		t.Fatalf("revision alias not honoured, got %s", doc.Revision)
	}
	if !doc.Revision.Matches("4") || doc.Revision.Matches("5") || doc.Revision.Matches("") {
		t.Fatalf("unexpected Matches result for %s", doc.Revision)
	}
}

func TestDocumentAttachments(t *testing.T) {
	doc := sampleDocument("pkg", false)
	doc.Versions["1.1.0"] = json.RawMessage(`{"version":"1.1.0","dist":{"tarball":"http://localhost:5000/pkg/-/pkg-1.1.0.tgz"}}`)
	doc.Versions["2.0.0"] = json.RawMessage(`{"version":"2.0.0"}`)

	got := doc.Attachments()
	want := []string{"pkg-1.0.0.tgz", "pkg-1.1.0.tgz"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("attachments mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreRequiresInit(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := New(fsys, testRoot, Options{})

	if _, err := s.Get(context.Background(), "pkg"); !errors.Is(err, apperr.ErrNotInitialized) {
		t.Fatalf("expected NotInitialized, got %v", err)
	}
	if err := s.Set(context.Background(), sampleDocument("pkg", false)); !errors.Is(err, apperr.ErrNotInitialized) {
		t.Fatalf("expected NotInitialized on set, got %v", err)
	}
}

func TestStoreInitMissingRoot(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/does/not/exist", Options{})
	err := s.Init(context.Background())
	if !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestStoreInitIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Set(context.Background(), sampleDocument("pkg", false)); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second init error: %v", err)
	}
	assertMeta(t, s, 1, 1, 0)
}

func TestStoreRejectsInvalidNames(t *testing.T) {
	s, _ := newTestStore(t)
	for _, name := range []string{"", "../etc", "a/b", ".hidden", "registry.json"} {
		if _, err := s.Get(context.Background(), name); !errors.Is(err, apperr.ErrInvalidArgument) {
			t.Fatalf("name %q: expected InvalidArgument, got %v", name, err)
		}
	}
	if err := s.Set(context.Background(), &Document{}); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument for nameless document, got %v", err)
	}
}

func TestStoreSetGetAndCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	local := sampleDocument("local-pkg", false)
	if err := s.Set(ctx, local); err != nil {
		t.Fatalf("set local: %v", err)
	}
	if err := s.Set(ctx, sampleDocument("mirrored", true)); err != nil {
		t.Fatalf("set proxied: %v", err)
	}
	assertMeta(t, s, 2, 1, 1)

	got, err := s.Get(ctx, "local-pkg")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if diff := cmp.Diff(local, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("document mismatch (-want +got):\n%s", diff)
	}

	// 覆盖写同一分类不改变计数
	local.Revision = NumericRevision(1)
	if err := s.Set(ctx, local); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	assertMeta(t, s, 2, 1, 1)

	// 分类翻转时在两个桶之间移动
	local.ForwardDists = map[string]string{"local-pkg-1.0.0.tgz": "https://registry.npmjs.org/local-pkg/-/local-pkg-1.0.0.tgz"}
	if err := s.Set(ctx, local); err != nil {
		t.Fatalf("reclassify: %v", err)
	}
	assertMeta(t, s, 2, 0, 2)

	if err := s.Remove(ctx, "mirrored"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	assertMeta(t, s, 1, 0, 1)

	if err := s.Remove(ctx, "never-existed"); err != nil {
		t.Fatalf("remove missing should be no-op: %v", err)
	}
	assertMeta(t, s, 1, 0, 1)

	if _, err := s.Get(ctx, "mirrored"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound after remove, got %v", err)
	}
}

func TestStoreGetVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, sampleDocument("pkg", false)); err != nil {
		t.Fatalf("set: %v", err)
	}

	raw, err := s.GetVersion(ctx, "pkg", "1.0.0")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	var meta struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.Version != "1.0.0" {
		t.Fatalf("unexpected version blob %s (%v)", raw, err)
	}

	if _, err := s.GetVersion(ctx, "pkg", "9.9.9"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound for missing version, got %v", err)
	}
	if _, err := s.GetVersion(ctx, "absent", "1.0.0"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound for missing document, got %v", err)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	s, fsys := newTestStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, sampleDocument("pkg", false)); err != nil {
		t.Fatalf("set: %v", err)
	}
	settings := Settings{Registry: "https://mirror.example.com/", Proxy: "http://proxy.local:3128", AutoForward: false}
	if err := s.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	reopened, err := Open(ctx, fsys, testRoot, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	assertMeta(t, reopened, 1, 1, 0)
	if diff := cmp.Diff(settings, reopened.Settings()); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}

	leftovers, err := afero.Glob(fsys, filepath.Join(testRoot, "pkg", ".*tmp-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestStoreMigratesLegacyRegistry(t *testing.T) {
	fsys := afero.NewMemMapFs()
	legacy := `{
  "alpha": {"name":"alpha","_rev":"3-abc","versions":{"1.0.0":{"version":"1.0.0"}},"dist-tags":{"latest":"1.0.0"}},
  "beta": {"name":"beta","_rev":0,"versions":{},"dist-tags":{},"_forwardDists":{"beta-1.0.0.tgz":"https://registry.npmjs.org/beta/-/beta-1.0.0.tgz"}}
}`
	if err := fsys.MkdirAll(testRoot, 0o755); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}
	if err := afero.WriteFile(fsys, filepath.Join(testRoot, "registry.json"), []byte(legacy), 0o644); err != nil {
		t.Fatalf("write legacy: %v", err)
	}

	ctx := context.Background()
	s, err := Open(ctx, fsys, testRoot, Options{})
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	assertMeta(t, s, 2, 1, 1)

	alpha, err := s.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("get alpha: %v", err)
	}
	if !alpha.Revision.IsLegacy() || alpha.Revision.String() != "3-abc" {
		t.Fatalf("legacy revision should survive migration, got %s", alpha.Revision)
	}
	if alpha.DistTags["latest"] != "1.0.0" {
		t.Fatalf("dist-tags lost in migration: %v", alpha.DistTags)
	}

	again, err := Open(ctx, fsys, testRoot, Options{})
	if err != nil {
		t.Fatalf("reopen migrated: %v", err)
	}
	assertMeta(t, again, 2, 1, 1)
}

func TestStoreQueryAndRefreshMeta(t *testing.T) {
	s, fsys := newTestStore(t)
	ctx := context.Background()
	for _, doc := range []*Document{
		sampleDocument("react", false),
		sampleDocument("react-dom", true),
		sampleDocument("vue", false),
	} {
		if err := s.Set(ctx, doc); err != nil {
			t.Fatalf("set %s: %v", doc.Name, err)
		}
	}
	// 残留的空包目录不应出现在结果中
	if err := fsys.MkdirAll(filepath.Join(testRoot, "orphan"), 0o755); err != nil {
		t.Fatalf("mkdir orphan: %v", err)
	}

	entries, err := s.Query(ctx, "react")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	if diff := cmp.Diff([]string{"react", "react-dom"}, names); diff != "" {
		t.Fatalf("query mismatch (-want +got):\n%s", diff)
	}

	all, err := s.Query(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 documents, got %d (%v)", len(all), err)
	}

	// 绕过 Store 删除文档，计数漂移后由 RefreshMeta 修复
	if err := fsys.Remove(filepath.Join(testRoot, "vue", "vue.json")); err != nil {
		t.Fatalf("remove doc file: %v", err)
	}
	assertMeta(t, s, 3, 2, 1)

	meta, err := s.RefreshMeta(ctx)
	if err != nil {
		t.Fatalf("refresh meta: %v", err)
	}
	if meta.Count != 2 || meta.Local != 1 || meta.Proxied != 1 {
		t.Fatalf("unexpected refreshed counters: %+v", meta)
	}
	assertMeta(t, s, 2, 1, 1)
}

func TestStoreSetProxiedKeepsLocalDocument(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.SetProxied(ctx, sampleDocument("react", true))
	if err != nil {
		t.Fatalf("set proxied: %v", err)
	}
	if !first.IsProxied() {
		t.Fatalf("new proxied document should be written")
	}
	assertMeta(t, s, 1, 0, 1)

	refreshed := sampleDocument("react", true)
	refreshed.Versions["19.0.0"] = json.RawMessage(`{"version":"19.0.0"}`)
	if _, err := s.SetProxied(ctx, refreshed); err != nil {
		t.Fatalf("replace proxied: %v", err)
	}
	got, err := s.Get(ctx, "react")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := got.Versions["19.0.0"]; !ok {
		t.Fatalf("proxied document should be replaced by a newer forward")
	}

	local := sampleDocument("vue", false)
	if err := s.Set(ctx, local); err != nil {
		t.Fatalf("set local: %v", err)
	}
	kept, err := s.SetProxied(ctx, sampleDocument("vue", true))
	if err != nil {
		t.Fatalf("set proxied over local: %v", err)
	}
	if kept.IsProxied() {
		t.Fatalf("local document must be returned unchanged")
	}
	stored, err := s.Get(ctx, "vue")
	if err != nil {
		t.Fatalf("get vue: %v", err)
	}
	if stored.IsProxied() {
		t.Fatalf("local document was overwritten")
	}
	assertMeta(t, s, 2, 1, 1)

	if _, err := s.SetProxied(ctx, sampleDocument("svelte", false)); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument for a local document, got %v", err)
	}
}
