package couchbase

import (
	"fmt"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog/log"
)

// Config holds the cluster coordinates
type Config struct {
	URL      string
	Username string
	Password string
	Bucket   string
	Scope    string
}

// Connection handles the Couchbase cluster, bucket and scope
type Connection struct {
	cluster    *gocb.Cluster
	bucket     *gocb.Bucket
	bucketName string
	scopeName  string
}

// NewConnection connects to the cluster and waits for the bucket to be ready
func NewConnection(cfg Config) (*Connection, error) {
	connectionString := cfg.URL
	if !strings.Contains(connectionString, "://") {
		connectionString = "couchbase://" + connectionString
	}

	scopeName := cfg.Scope
	if scopeName == "" {
		scopeName = "_default"
	}

	log.Info().
		Str("url", connectionString).
		Str("bucket", cfg.Bucket).
		Str("scope", scopeName).
		Msg("Creating Couchbase connection")

	cluster, err := gocb.Connect(connectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to Couchbase cluster")
		return nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(cfg.Bucket)
	err = bucket.WaitUntilReady(30*time.Second, &gocb.WaitUntilReadyOptions{
		ServiceTypes: []gocb.ServiceType{gocb.ServiceTypeKeyValue, gocb.ServiceTypeQuery},
	})
	if err != nil {
		cluster.Close(nil)
		log.Error().Err(err).Str("bucket", cfg.Bucket).Msg("Couchbase bucket not ready")
		return nil, fmt.Errorf("bucket '%s' is not accessible: %w", cfg.Bucket, err)
	}

	log.Info().Msg("Couchbase connection created successfully")
	return &Connection{
		cluster:    cluster,
		bucket:     bucket,
		bucketName: cfg.Bucket,
		scopeName:  scopeName,
	}, nil
}

// Close closes the Couchbase connection
func (c *Connection) Close() error {
	if c.cluster != nil {
		return c.cluster.Close(nil)
	}
	return nil
}

// Cluster returns the cluster instance
func (c *Connection) Cluster() *gocb.Cluster {
	return c.cluster
}

// Collection returns a named collection in the configured scope
func (c *Connection) Collection(name string) *gocb.Collection {
	return c.bucket.Scope(c.scopeName).Collection(name)
}

// Keyspace returns the fully qualified N1QL keyspace of a collection
func (c *Connection) Keyspace(collection string) string {
	return fmt.Sprintf("`%s`.`%s`.`%s`", c.bucketName, c.scopeName, collection)
}
