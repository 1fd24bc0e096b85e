package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// DefaultTimeout 单个请求的默认超时
const DefaultTimeout = 60 * time.Second

// Options HTTP 客户端选项
type Options struct {
	// 单个请求的超时，0 使用 DefaultTimeout
	Timeout time.Duration

	// 每个后端主机保持的空闲连接数，应不小于调度器并发上限
	MaxIdleConnsPerHost int
}

// TLSConfig 返回仅启用 TLS 1.2+ 与 AEAD 套件的配置
func TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// Transport 返回面向单一推理后端的传输层：大量并发请求复用到同一主机
func Transport(opts Options) *http.Transport {
	perHost := opts.MaxIdleConnsPerHost
	if perHost <= 0 {
		perHost = 64
	}
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: TLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          perHost,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// New 创建 HTTP 客户端
func New(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(opts),
	}
}
