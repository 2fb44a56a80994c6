package cache

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Response 是一次响应的不可变快照（状态码、头、正文）。缓存读写都会复制一份，
// 存入的副本与返回给调用方的副本互不影响。
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	URL      string      `json:"url"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 深拷贝 Header 与 Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// OK 对应 2xx 状态。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Key 将 method + URL 规整为缓存键：方法大写、scheme/host 小写、去掉 fragment，
// 空路径视为 "/"。
func Key(method string, u *url.URL) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return method + " "
	}
	normalized := *u
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	normalized.Fragment = ""
	normalized.RawFragment = ""
	if normalized.Path == "" && normalized.Opaque == "" {
		normalized.Path = "/"
	}
	return method + " " + normalized.String()
}

// KeyFromString 解析 raw URL 后生成缓存键。
func KeyFromString(method, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return Key(method, u), nil
}
