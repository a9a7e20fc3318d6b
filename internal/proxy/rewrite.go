package proxy

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/any-hub/npm-hub/internal/store"
)

// rewriteDocument 把上游文档中的 dist.tarball 改写为本地地址，并在 forwardDists
// 中记录原始 URL，随后标记为 proxied、revision 归零。
func rewriteDocument(doc *store.Document, name, baseURL string) error {
	doc.Name = name
	doc.Proxied = true
	doc.Revision = store.NumericRevision(0)
	if doc.ForwardDists == nil {
		doc.ForwardDists = make(map[string]string)
	}

	for version, raw := range doc.Versions {
		updated, filename, original, err := rewriteVersion(raw, name, baseURL)
		if err != nil {
			return err
		}
		if filename == "" {
			continue
		}
		doc.ForwardDists[filename] = original
		doc.Versions[version] = updated
	}
	return nil
}

func rewriteVersion(raw json.RawMessage, name, baseURL string) (json.RawMessage, string, string, error) {
	var entry map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, "", "", err
	}
	distRaw, ok := entry["dist"]
	if !ok {
		return raw, "", "", nil
	}
	var dist map[string]json.RawMessage
	if err := json.Unmarshal(distRaw, &dist); err != nil {
		return raw, "", "", nil
	}
	var original string
	if err := json.Unmarshal(dist["tarball"], &original); err != nil || original == "" {
		return raw, "", "", nil
	}
	filename := store.AttachmentName(original)
	if filename == "" {
		return raw, "", "", nil
	}

	local, err := json.Marshal(LocalTarballURL(baseURL, name, filename))
	if err != nil {
		return nil, "", "", err
	}
	dist["tarball"] = local
	if entry["dist"], err = json.Marshal(dist); err != nil {
		return nil, "", "", err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, "", "", err
	}
	return data, filename, original, nil
}

// LocalTarballURL 构造本地注册表上的附件地址：<base>/<name>/-/<filename>。
func LocalTarballURL(baseURL, name, filename string) string {
	return strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(name) + "/-/" + filename
}

// upstreamURL 拼接上游 registry 与包名，保证两者之间恰好一个 `/`。
func upstreamURL(registry, name string) string {
	return strings.TrimRight(registry, "/") + "/" + url.PathEscape(name)
}
