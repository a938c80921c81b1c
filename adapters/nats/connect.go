// Package nats holds the NATS backed parts of the event store: a JetStream
// EventStore, a core NATS notifier and a JetStream KV store for projector
// cursors.
package nats

import (
	"log/slog"
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens a connection. The returned close func releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection shares one connection between all callers of the
// returned Connector. The connection is closed when the last lease is
// released and reopened on the next call.
func ReuseConnection(connect Connector) Connector {
	var (
		mu       sync.Mutex
		nc       *natsgo.Conn
		closeCon closeFunc
		leased   int
	)
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		leased--
		if leased == 0 && nc != nil {
			closeCon()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			nc, closeCon, err = connect()
			if err != nil {
				return nil, nil, err
			}
		}
		leased++
		var once sync.Once
		return nc, func() { once.Do(release) }, nil
	}
}

// ConnectURL dials natsURL and logs connection state changes to log.
func ConnectURL(natsURL string, log *slog.Logger) Connector {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("nats_url", natsURL))
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			natsgo.Name("screeem"),
			natsgo.MaxReconnects(-1),
			natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
				if err != nil {
					log.Warn("nats disconnected", slog.Any("error", err))
				}
			}),
			natsgo.ReconnectHandler(func(c *natsgo.Conn) {
				log.Info("nats reconnected", slog.String("server", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return nil, nil, err
		}
		log.Debug("nats connected")
		return nc, func() { _ = nc.Drain() }, nil
	}
}

// ConnectDefault connects to $NATS_URL or the default local server.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL, nil)
	}
	return ConnectURL(natsgo.DefaultURL, nil)
}
