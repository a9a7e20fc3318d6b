package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Revision 是文档的乐观并发令牌。正常情况下是递增整数；旧版 schema 遗留的
// 文档可能携带校验和风格的字符串，此时 legacy 非空。
type Revision struct {
	num    int64
	legacy string
}

// NumericRevision 构造整数 revision。
func NumericRevision(n int64) Revision {
	return Revision{num: n}
}

// LegacyRevision 构造旧版字符串 revision；纯数字字符串会被当作整数。
func LegacyRevision(raw string) Revision {
	if n, ok := parseDigits(raw); ok {
		return Revision{num: n}
	}
	return Revision{legacy: raw}
}

// IsLegacy 表示 revision 是否为旧版字符串。
func (r Revision) IsLegacy() bool {
	return r.legacy != ""
}

// Int 返回整数 revision；legacy revision 返回 0。
func (r Revision) Int() int64 {
	if r.IsLegacy() {
		return 0
	}
	return r.num
}

func (r Revision) String() string {
	if r.IsLegacy() {
		return r.legacy
	}
	return strconv.FormatInt(r.num, 10)
}

// Equal 供 go-cmp 与调用方比较 revision。
func (r Revision) Equal(other Revision) bool {
	return r.num == other.num && r.legacy == other.legacy
}

// Matches 判断客户端提交的 revision 字符串是否等于当前值。
func (r Revision) Matches(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	return LegacyRevision(raw).Equal(r)
}

// Advance 用于版本发布与 tag 操作：整数加一；legacy 字符串重置为 0。
// 重置行为沿袭旧版迁移的兼容逻辑，不要在新的写路径上复用。
func (r Revision) Advance() Revision {
	if r.IsLegacy() {
		return Revision{}
	}
	return Revision{num: r.num + 1}
}

// Successor 用于整文档覆盖发布：整数加一；legacy 字符串之后从 1 开始编号。
func (r Revision) Successor() Revision {
	if r.IsLegacy() {
		return Revision{num: 1}
	}
	return Revision{num: r.num + 1}
}

func (r Revision) MarshalJSON() ([]byte, error) {
	if r.IsLegacy() {
		return json.Marshal(r.legacy)
	}
	return []byte(strconv.FormatInt(r.num, 10)), nil
}

func (r *Revision) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = Revision{}
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*r = LegacyRevision(raw)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid revision %s", string(data))
	}
	*r = Revision{num: n}
	return nil
}

func parseDigits(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	for _, ch := range raw {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Document 是单个包的元数据文档。Versions 中的每个版本保持发布者提交的原始 JSON；
// Extra 保存 description/readme/time 等未建模的顶层字段，读写时原样保留。
type Document struct {
	Name         string
	Revision     Revision
	Versions     map[string]json.RawMessage
	DistTags     map[string]string
	ForwardDists map[string]string
	Proxied      bool
	Extra        map[string]json.RawMessage
}

// 磁盘与 HTTP 上使用的 JSON 字段名。
const (
	fieldName         = "name"
	fieldRev          = "_rev"
	fieldRevisionAlt  = "revision"
	fieldVersions     = "versions"
	fieldDistTags     = "dist-tags"
	fieldForwardDists = "_forwardDists"
	fieldProxied      = "_proxied"
)

// NewDocument 返回一个 revision 为 0 的本地空文档。
func NewDocument(name string) *Document {
	return &Document{
		Name:     name,
		Versions: map[string]json.RawMessage{},
		DistTags: map[string]string{},
	}
}

// IsProxied 决定文档归属 proxied 还是 local 计数桶。
func (d *Document) IsProxied() bool {
	return d.Proxied || len(d.ForwardDists) > 0
}

// TarballURL 返回指定版本的 dist.tarball。
func (d *Document) TarballURL(version string) (string, bool) {
	raw, ok := d.Versions[version]
	if !ok {
		return "", false
	}
	var meta struct {
		Dist struct {
			Tarball string `json:"tarball"`
		} `json:"dist"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.Dist.Tarball == "" {
		return "", false
	}
	return meta.Dist.Tarball, true
}

// Attachments 返回所有版本引用的附件文件名（去重、排序）。
func (d *Document) Attachments() []string {
	seen := make(map[string]struct{}, len(d.Versions))
	for version := range d.Versions {
		tarball, ok := d.TarballURL(version)
		if !ok {
			continue
		}
		if name := AttachmentName(tarball); name != "" {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AttachmentName 取 tarball URL 最后一个 `/` 之后的部分作为附件文件名。
func AttachmentName(tarballURL string) string {
	if idx := strings.LastIndex(tarballURL, "/"); idx >= 0 {
		return tarballURL[idx+1:]
	}
	return tarballURL
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("document must be a JSON object")
	}

	var doc Document
	for key, value := range raw {
		var err error
		switch key {
		case fieldName:
			err = json.Unmarshal(value, &doc.Name)
		case fieldRev:
			err = json.Unmarshal(value, &doc.Revision)
		case fieldRevisionAlt:
			if _, hasRev := raw[fieldRev]; !hasRev {
				err = json.Unmarshal(value, &doc.Revision)
			}
		case fieldVersions:
			err = json.Unmarshal(value, &doc.Versions)
		case fieldDistTags:
			err = json.Unmarshal(value, &doc.DistTags)
		case fieldForwardDists:
			err = json.Unmarshal(value, &doc.ForwardDists)
		case fieldProxied:
			err = json.Unmarshal(value, &doc.Proxied)
		default:
			if doc.Extra == nil {
				doc.Extra = make(map[string]json.RawMessage)
			}
			doc.Extra[key] = value
		}
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}

	*d = doc
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(key string, value interface{}) error {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		keyBytes, _ := json.Marshal(key)
		buf.Write(keyBytes)
		buf.WriteByte(':')
		buf.Write(encoded)
		return nil
	}

	versions := d.Versions
	if versions == nil {
		versions = map[string]json.RawMessage{}
	}
	distTags := d.DistTags
	if distTags == nil {
		distTags = map[string]string{}
	}

	if err := write(fieldName, d.Name); err != nil {
		return nil, err
	}
	if err := write(fieldRev, d.Revision); err != nil {
		return nil, err
	}
	if err := write(fieldDistTags, distTags); err != nil {
		return nil, err
	}
	if err := write(fieldVersions, versions); err != nil {
		return nil, err
	}

	extraKeys := make([]string, 0, len(d.Extra))
	for key := range d.Extra {
		switch key {
		case fieldName, fieldRev, fieldRevisionAlt, fieldVersions, fieldDistTags, fieldForwardDists, fieldProxied:
			continue
		}
		extraKeys = append(extraKeys, key)
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		if err := write(key, d.Extra[key]); err != nil {
			return nil, err
		}
	}

	if d.Proxied {
		if err := write(fieldProxied, true); err != nil {
			return nil, err
		}
	}
	if len(d.ForwardDists) > 0 {
		if err := write(fieldForwardDists, d.ForwardDists); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
