// Package httpclient provides the shared pooled HTTP client used by every
// feed and the geocoder.
//
// Callers that use Default directly must close response bodies. Get does
// that for them and returns the body bytes.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// UserAgent is sent with every request made through Get.
const UserAgent = "ionic/0.1 (+https://github.com/ionicresearchlabs/ionic)"

// MaxBody caps how much of a response Get will read.
const MaxBody = 16 << 20

// ErrStatus wraps non-2xx responses.
var ErrStatus = errors.New("httpclient: unexpected status")

var (
	defaultClient *http.Client
	clientOnce    sync.Once
)

func initClient() {
	clientOnce.Do(func() {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          50,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		}
		defaultClient = &http.Client{Transport: transport, Timeout: 30 * time.Second}
	})
}

// Default returns the shared client with a 30-second timeout.
func Default() *http.Client {
	initClient()
	return defaultClient
}

// Doer is the subset of *http.Client that Get needs.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Get fetches url with c (Default when nil) and returns the body. Non-2xx
// responses are returned as errors wrapping ErrStatus.
func Get(ctx context.Context, c Doer, url string, header http.Header) ([]byte, error) {
	if c == nil {
		c = Default()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("get %s: %d: %w", url, resp.StatusCode, ErrStatus)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}
