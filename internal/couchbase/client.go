package couchbase

import "time"

// Client bundles the stores and change feed that share one connection
type Client struct {
	conn        *Connection
	resources   *ResourceStore
	operational *OperationalStore
	feed        *ChangeFeed
}

// NewClient connects and builds the stores. pollInterval sets how often the
// change feed re-reads watched collections.
func NewClient(cfg Config, pollInterval time.Duration) (*Client, error) {
	conn, err := NewConnection(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn:        conn,
		resources:   NewResourceStore(conn),
		operational: NewOperationalStore(conn),
		feed:        NewChangeFeed(conn, pollInterval),
	}, nil
}

// Close closes the Couchbase connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Resources returns the clinical resource store
func (c *Client) Resources() *ResourceStore {
	return c.resources
}

// Operational returns the agents, logs and configurations store
func (c *Client) Operational() *OperationalStore {
	return c.operational
}

// Feed returns the change feed
func (c *Client) Feed() *ChangeFeed {
	return c.feed
}
