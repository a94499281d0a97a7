package infrastructure

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/sirupsen/logrus"
)

// ElasticsearchConfig holds connection configuration for Elasticsearch cluster.
type ElasticsearchConfig struct {
	Addresses          []string      `mapstructure:"addresses"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	APIKey             string        `mapstructure:"api_key"`
	CloudID            string        `mapstructure:"cloud_id"`
	Timeout            time.Duration `mapstructure:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_tls"`
	ConnectRetries     int           `mapstructure:"connect_retries"`

	// IncludeTypes adds _type to bulk action headers for pre-7 clusters.
	IncludeTypes bool `mapstructure:"include_types"`
}

// NewElasticsearch creates an Elasticsearch client and verifies the connection
// with a lightweight Info call.
//
// Usage:
//
//	es, cleanup, err := infrastructure.NewElasticsearch(ctx, cfg.Elasticsearch)
//	if err != nil { return err }
//	defer cleanup()
func NewElasticsearch(ctx context.Context, cfg ElasticsearchConfig) (*elasticsearch.Client, func(), error) {
	if len(cfg.Addresses) == 0 && cfg.CloudID == "" {
		return nil, func() {}, fmt.Errorf("elasticsearch: no addresses or cloud ID configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		CloudID:   cfg.CloudID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		Transport: buildElasticsearchTransport(cfg),
	})
	if err != nil {
		return nil, func() {}, fmt.Errorf("elasticsearch: create client: %w", err)
	}

	log.WithFields(logrus.Fields{
		"addresses":    cfg.Addresses,
		"cloud_id_set": cfg.CloudID != "",
		"auth_user":    cfg.Username != "",
		"timeout":      cfg.Timeout,
		"insecure_tls": cfg.InsecureSkipVerify,
	}).Info("Connecting to elasticsearch")

	err = pingWithRetry(ctx, "elasticsearch", cfg.ConnectRetries, cfg.Timeout, func(ctx context.Context) error {
		res, err := client.Info(client.Info.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("elasticsearch: info call failed: %w", err)
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("elasticsearch: info call returned error status: %s", res.Status())
		}
		return nil
	})
	if err != nil {
		return nil, func() {}, err
	}

	// The client holds no resources beyond pooled HTTP connections.
	return client, func() {}, nil
}

// buildElasticsearchTransport builds an HTTP transport with pooled connections
// and, for local clusters, optional TLS verification skip.
func buildElasticsearchTransport(cfg ElasticsearchConfig) http.RoundTripper {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, // local/dev only
		}
	}

	return transport
}
