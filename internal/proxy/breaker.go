package proxy

import (
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// breakerSet 为每个上游 host 维护一个熔断器，连续失败 5 次后快速失败。
type breakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*circuit.Breaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*circuit.Breaker)}
}

func (b *breakerSet) get(host string) *circuit.Breaker {
	b.mu.RLock()
	breaker, ok := b.breakers[host]
	b.mu.RUnlock()
	if ok {
		return breaker
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if breaker, ok := b.breakers[host]; ok {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	b.breakers[host] = breaker
	return breaker
}

// states 返回各上游熔断器状态，供 /-/status 展示。
func (b *breakerSet) states() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	states := make(map[string]string, len(b.breakers))
	for host, breaker := range b.breakers {
		if breaker.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
