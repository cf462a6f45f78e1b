// Package nanotube publishes metrics to statsd and statsite collectors over
// UDP.
//
// Metrics are rendered in the wire format of the collector, packed into
// datagrams and written asynchronously. Sending never blocks on the network
// and, unless a client is configured in strict mode, never fails: metrics
// that cannot be delivered are dropped.
//
//	client, err := nanotube.NewClient(nanotube.Config{
//	    Host:   "localhost",
//	    Format: nanotube.StatsD,
//	    Prefix: "myapp",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Send(nanotube.Increment("requests"), nanotube.Timing("latency", 12.5))
package nanotube

import (
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/segmentio/nanotube/udp"
)

// Client publishes metrics to one collector.
//
// Clients are safe to use concurrently from multiple goroutines.
type Client struct {
	messenger *udp.Messenger
	prefix    string
	format    Format
	once      sync.Once
}

// NewClient creates a client sending metrics to the collector described by
// config.
func NewClient(config Config) (*Client, error) {
	config = setConfigDefaults(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	m, err := udp.NewMessenger(config.messenger())
	if err != nil {
		return nil, err
	}

	return &Client{
		messenger: m,
		prefix:    config.Prefix,
		format:    config.Format,
	}, nil
}

// Close releases the socket of the client.
func (c *Client) Close() (err error) {
	c.once.Do(func() { err = c.messenger.Close() })
	return
}

// Stats returns the counters of the messenger used by c.
func (c *Client) Stats() udp.Stats {
	return c.messenger.Stats()
}

// Send publishes metrics in as few datagrams as possible.
func (c *Client) Send(metrics ...Metric) error {
	return c.messenger.SendAll(Lines(c.prefix, c.format, slices.Values(metrics)))
}

// SendSeq publishes a finite sequence of metrics, see Send.
func (c *Client) SendSeq(metrics iter.Seq[Metric]) error {
	if metrics == nil {
		return ErrInvalidArgument.New("metrics cannot be nil")
	}
	return c.messenger.SendAll(Lines(c.prefix, c.format, metrics))
}

// Stream publishes a sequence of metrics that may be unbounded, sending them
// in batches of datagrams as they are produced.
func (c *Client) Stream(metrics iter.Seq[Metric]) error {
	if metrics == nil {
		return ErrInvalidArgument.New("metrics cannot be nil")
	}
	return c.messenger.StreamAll(Lines(c.prefix, c.format, metrics), 0)
}

// Time calls fn and publishes how long it took as a timing metric named key.
// The timing is published even if fn panics.
func (c *Client) Time(key string, fn func()) (err error) {
	start := time.Now()
	defer func() { err = c.Send(Duration(key, time.Since(start))) }()
	fn()
	return
}
