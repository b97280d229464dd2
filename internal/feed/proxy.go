package feed

import (
	"fmt"
	"net/url"
	"sync"
)

// Proxy rewrites a target URL through a relay.
type Proxy struct {
	URL    string
	Action string // "append" or "none"
	Encode bool
}

// ProxyList rotates through relays on every use.
type ProxyList struct {
	mu      sync.Mutex
	proxies []Proxy
}

// NewProxyList returns a rotating list. An empty list leaves URLs as-is.
func NewProxyList(proxies ...Proxy) *ProxyList {
	return &ProxyList{proxies: append([]Proxy(nil), proxies...)}
}

// Proxify rewrites target through the next proxy in rotation.
func (l *ProxyList) Proxify(target string) (string, error) {
	if l == nil {
		return target, nil
	}
	l.mu.Lock()
	if len(l.proxies) == 0 {
		l.mu.Unlock()
		return target, nil
	}
	p := l.proxies[0]
	if len(l.proxies) > 1 {
		l.proxies = append(l.proxies[1:], p)
	}
	l.mu.Unlock()
	return p.apply(target)
}

// ProxifyWith rewrites target through proxy n without rotating.
func (l *ProxyList) ProxifyWith(n int, target string) (string, error) {
	l.mu.Lock()
	if n < 0 || n >= len(l.proxies) {
		l.mu.Unlock()
		return "", fmt.Errorf("proxy %d out of range", n)
	}
	p := l.proxies[n]
	l.mu.Unlock()
	return p.apply(target)
}

func (p Proxy) apply(target string) (string, error) {
	if p.Encode {
		target = url.QueryEscape(target)
	}
	switch p.Action {
	case "append":
		return p.URL + target, nil
	case "none", "":
		return target, nil
	}
	return "", fmt.Errorf("unrecognized proxy action %q", p.Action)
}
