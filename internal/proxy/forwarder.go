// Package proxy fetches package documents and tarballs from the upstream
// registry on a local miss. Documents are rewritten so their tarball URLs point
// back at this registry and stored as proxied; tarballs are streamed to the
// attachment store. Concurrent misses for the same package share one request.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	circuit "github.com/rubyist/circuitbreaker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/npm-hub/internal/apperr"
	"github.com/any-hub/npm-hub/internal/logging"
	"github.com/any-hub/npm-hub/internal/store"
)

// maxDocumentBytes 限制单个上游文档的大小。
const maxDocumentBytes = 64 << 20

// DocumentStore 是 Forwarder 写入代理文档所需的存储能力。
type DocumentStore interface {
	// SetProxied 在同一把锁下检查并写入，已有本地文档时返回它而不覆盖。
	SetProxied(ctx context.Context, doc *store.Document) (*store.Document, error)
	Settings() store.Settings
}

// Options 描述 Forwarder 的依赖。
type Options struct {
	// Client 用于元数据请求（UpstreamTimeout）。
	Client *http.Client
	// DownloadClient 用于 tarball 下载（DownloadTimeout），为空时复用 Client。
	DownloadClient *http.Client
	// PublicBaseURL 是改写 tarball 地址时使用的本地前缀，例如 http://localhost:5000。
	PublicBaseURL string
	Logger        *logrus.Logger
}

// Forwarder 负责与上游 registry 交互。
type Forwarder struct {
	store          DocumentStore
	client         *http.Client
	downloadClient *http.Client
	baseURL        string
	logger         *logrus.Logger

	group    singleflight.Group
	breakers *breakerSet

	proxyMu      sync.Mutex
	proxyClients map[proxyClientKey]*http.Client
}

type proxyClientKey struct {
	base  *http.Client
	proxy string
}

// NewForwarder 创建 Forwarder。
func NewForwarder(docs DocumentStore, opts Options) *Forwarder {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	download := opts.DownloadClient
	if download == nil {
		download = client
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Forwarder{
		store:          docs,
		client:         client,
		downloadClient: download,
		baseURL:        opts.PublicBaseURL,
		logger:         logger,
		breakers:       newBreakerSet(),
		proxyClients:   make(map[proxyClientKey]*http.Client),
	}
}

// Enabled 反映持久化设置中的 autoForward 开关。
func (f *Forwarder) Enabled() bool {
	return f.store.Settings().AutoForward
}

// BreakerStates 返回各上游 host 的熔断状态。
func (f *Forwarder) BreakerStates() map[string]string {
	return f.breakers.states()
}

// ForwardDocument 从上游拉取包文档，改写 tarball 地址后写入存储并返回。
// 同名并发请求只会触发一次上游访问。
func (f *Forwarder) ForwardDocument(ctx context.Context, name string) (*store.Document, error) {
	if err := store.ValidateName(name); err != nil {
		return nil, apperr.InvalidArgument("proxy.forward", err.Error())
	}
	result, err, _ := f.group.Do("doc:"+name, func() (interface{}, error) {
		return f.forwardDocument(context.WithoutCancel(ctx), name)
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.Document), nil
}

func (f *Forwarder) forwardDocument(ctx context.Context, name string) (*store.Document, error) {
	const op = "proxy.forward"
	started := time.Now()
	settings := f.store.Settings()
	target := upstreamURL(settings.Registry, name)

	resp, err := f.do(ctx, op, f.client, settings, target, "application/json")
	if err != nil {
		f.logResult(name, target, 0, started, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		err = apperr.Wrap(apperr.KindNetwork, op, err)
		f.logResult(name, target, resp.StatusCode, started, err)
		return nil, err
	}

	var doc store.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		err = apperr.New(apperr.KindUpstream, op, "upstream returned an invalid document")
		f.logResult(name, target, resp.StatusCode, started, err)
		return nil, err
	}
	if err := rewriteDocument(&doc, name, f.baseURL); err != nil {
		err = apperr.New(apperr.KindUpstream, op, "upstream returned an invalid version entry")
		f.logResult(name, target, resp.StatusCode, started, err)
		return nil, err
	}

	// 本地发布的文档优先，转发结果不覆盖它
	stored, err := f.store.SetProxied(ctx, &doc)
	if err != nil {
		f.logResult(name, target, resp.StatusCode, started, err)
		return nil, err
	}

	f.logResult(name, target, resp.StatusCode, started, nil)
	return stored, nil
}

// FetchAttachment 以流的形式返回上游 tarball，调用方负责关闭。
func (f *Forwarder) FetchAttachment(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	const op = "proxy.fetch_attachment"
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, apperr.New(apperr.KindUpstream, op, "invalid upstream tarball url")
	}
	resp, err := f.do(ctx, op, f.downloadClient, f.store.Settings(), rawURL, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// statusError 表示上游返回了非 200 状态。
type statusError struct {
	status int
}

func (e statusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

// do 发送一次 GET 请求，仅在 200 时返回响应。5xx 与传输错误会计入熔断器。
func (f *Forwarder) do(ctx context.Context, op string, base *http.Client, settings store.Settings, target, accept string) (*http.Response, error) {
	host := hostOf(target)
	breaker := f.breakers.get(host)
	if !breaker.Ready() {
		return nil, apperr.New(apperr.KindNetwork, op, fmt.Sprintf("circuit breaker open for %s", host))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, op, err)
	}
	req.Header.Set("Accept", accept)
	if settings.UserAgent != "" {
		req.Header.Set("User-Agent", settings.UserAgent)
	}

	client, err := f.clientFor(base, settings.Proxy)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, op, err)
	}

	var resp *http.Response
	err = breaker.Call(func() error {
		var doErr error
		resp, doErr = client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			resp.Body.Close()
			return statusError{status: resp.StatusCode}
		}
		return nil
	}, 0)

	var upstreamStatus statusError
	switch {
	case err == nil:
	case errors.As(err, &upstreamStatus):
		return nil, apperr.New(apperr.KindUpstream, op, upstreamStatus.Error())
	case errors.Is(err, circuit.ErrBreakerOpen):
		return nil, apperr.New(apperr.KindNetwork, op, fmt.Sprintf("circuit breaker open for %s", host))
	default:
		return nil, apperr.Wrap(apperr.KindNetwork, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, apperr.New(apperr.KindUpstream, op, statusError{status: resp.StatusCode}.Error())
	}
	return resp, nil
}

// clientFor 在配置了 HTTP 正向代理时返回克隆 transport 的客户端，并按 (client, proxy) 缓存。
func (f *Forwarder) clientFor(base *http.Client, proxy string) (*http.Client, error) {
	if proxy == "" {
		return base, nil
	}
	key := proxyClientKey{base: base, proxy: proxy}

	f.proxyMu.Lock()
	defer f.proxyMu.Unlock()
	if client, ok := f.proxyClients[key]; ok {
		return client, nil
	}

	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid forward proxy %q: %w", proxy, err)
	}
	var transport *http.Transport
	if t, ok := base.Transport.(*http.Transport); ok && t != nil {
		transport = t.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)

	client := *base
	client.Transport = transport
	f.proxyClients[key] = &client
	return &client, nil
}

func (f *Forwarder) logResult(name, upstream string, status int, started time.Time, err error) {
	fields := logging.PackageFields("forward", name, "")
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		f.logger.WithFields(fields).Warn("forward_failed")
		return
	}
	f.logger.WithFields(fields).Info("forward_complete")
}
