package infrastructure

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConfig holds the connection configuration. URI wins when set; otherwise
// it is assembled from the individual fields.
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	AuthSource     string        `mapstructure:"auth_source"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

// NewMongo connects to MongoDB and pings the primary, retrying per
// ConnectRetries. The returned database is cfg.Database.
//
// Usage:
//
//	client, db, cleanup, err := infrastructure.NewMongo(ctx, cfg.Mongo)
//	if err != nil { return err }
//	defer cleanup()
func NewMongo(ctx context.Context, cfg MongoConfig) (*mongo.Client, *mongo.Database, func(), error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	clientOpts := options.Client().
		ApplyURI(MongoURI(cfg)).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, nil, func() {}, fmt.Errorf("mongodb: connect failed: %w", err)
	}

	err = pingWithRetry(ctx, "mongodb", cfg.ConnectRetries, timeout, func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, func() {}, fmt.Errorf("mongodb: ping failed: %w", err)
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			log.WithError(err).Warn("Mongodb disconnect failed")
		}
	}

	return client, client.Database(cfg.Database), cleanup, nil
}

// MongoURI returns cfg.URI, or a mongodb:// URL built from the other fields.
func MongoURI(cfg MongoConfig) string {
	if cfg.URI != "" {
		return cfg.URI
	}

	u := &url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}

	q := url.Values{}
	if cfg.AuthSource != "" {
		q.Set("authSource", cfg.AuthSource)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
