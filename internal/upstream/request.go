package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/moles-world/shellcache/internal/cache"
)

// ErrNetwork 表示请求未能得到任何响应（连接失败、超时、离线）。
var ErrNetwork = errors.New("network request failed")

// Mode 对应请求的 fetch mode，navigate 表示顶层页面导航。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// Destination 描述请求结果的用途，例如 document、image。
type Destination string

const (
	DestinationNone     Destination = ""
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationStyle    Destination = "style"
	DestinationScript   Destination = "script"
	DestinationFont     Destination = "font"
)

// Request 是一次被拦截的请求。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Mode        Mode
	Destination Destination
	Body        []byte
}

// NewRequest 以 GET 之外的方法或绝对 URL 构造请求，Header 初始化为空。
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, errors.New("absolute url required")
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: http.Header{},
	}, nil
}

// Key 返回规整后的缓存键。
func (r *Request) Key() string {
	return cache.Key(r.Method, r.URL)
}

// IsNavigation 表示顶层页面导航。
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// IsImage 表示请求目标为图片。
func (r *Request) IsImage() bool {
	return r.Destination == DestinationImage
}

// AcceptsHTML 检查 Accept 头是否包含 text/html。
func (r *Request) AcceptsHTML() bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/html")
}

// AcceptsImage 检查 Accept 头是否声明接受图片。
func (r *Request) AcceptsImage() bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "image/")
}

// Fetcher 执行网络请求并返回完整缓冲的响应快照。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}
