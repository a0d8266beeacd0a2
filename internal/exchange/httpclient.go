// Package exchange - клиенты бирж и классификация их ошибок.
package exchange

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// TransportConfig - настройки соединений с REST API биржи.
//
// Отдельного таймаута на запрос здесь нет: срок отправки ордера задаёт
// контекст исполнителя (SubmitTimeout), клиент лишь страхует зависший ответ.
type TransportConfig struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	Fallback              time.Duration // http.Client.Timeout

	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
}

// DefaultTransportConfig - одна биржа, десятки параллельных заявок
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:           5 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		Fallback:              30 * time.Second,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       32,
		IdleConnTimeout:       90 * time.Second,
	}
}

var (
	sharedClient     *http.Client
	sharedClientOnce sync.Once
)

// SharedHTTPClient возвращает общий для всех клиентов бирж *http.Client,
// чтобы заявки разных ключей переиспользовали один пул соединений.
func SharedHTTPClient() *http.Client {
	sharedClientOnce.Do(func() {
		sharedClient = NewHTTPClient(DefaultTransportConfig())
	})
	return sharedClient
}

// NewHTTPClient создает клиент с пулом keep-alive соединений
func NewHTTPClient(cfg TransportConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Fallback,
	}
}

// CloseGlobalClient закрывает idle соединения общего клиента.
// Вызывается при graceful shutdown.
func CloseGlobalClient() {
	if sharedClient == nil {
		return
	}
	sharedClient.CloseIdleConnections()
}
