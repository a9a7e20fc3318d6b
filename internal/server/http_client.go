package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	"github.com/any-hub/npm-hub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewResolver 返回带缓存的 DNS 解析器，按 refresh 周期刷新，ctx 结束后停止。
func NewResolver(ctx context.Context, refresh time.Duration) *dnscache.Resolver {
	resolver := &dnscache.Resolver{}
	if refresh <= 0 {
		return resolver
	}
	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resolver.Refresh(true)
			}
		}
	}()
	return resolver
}

// NewUpstreamClient 返回元数据请求使用的 http.Client（UpstreamTimeout）。
func NewUpstreamClient(cfg *config.Config, resolver *dnscache.Resolver) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(resolver),
	}
}

// NewDownloadClient 返回 tarball 下载使用的 http.Client（DownloadTimeout）。
func NewDownloadClient(cfg *config.Config, resolver *dnscache.Resolver) *http.Client {
	timeout := 5 * time.Minute
	if cfg != nil && cfg.Global.DownloadTimeout.DurationValue() > 0 {
		timeout = cfg.Global.DownloadTimeout.DurationValue()
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(resolver),
	}
}

func newTransport(resolver *dnscache.Resolver) *http.Transport {
	transport := defaultTransport.Clone()
	if resolver == nil {
		return transport
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses resolved for %s", host)
		}
		return nil, lastErr
	}
	return transport
}
