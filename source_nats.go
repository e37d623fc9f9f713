package swapsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSubject is the subject carrying changes for table rows matching f,
// e.g. "realtime.messages.conversation_id.17". Dots and wildcards in the
// value are replaced with underscores.
func NATSSubject(table string, f Filter) string {
	clean := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(f.Value)
	if f.Column == "" {
		return fmt.Sprintf("realtime.%s", table)
	}
	return fmt.Sprintf("realtime.%s.%s.%s", table, f.Column, clean)
}

// NATSSource serves topic feeds from core NATS subjects. When the
// connection drops every open feed is failed so the supervisor resubscribes
// once the client has reconnected.
type NATSSource struct {
	nc  *nats.Conn
	log *zap.Logger

	mu    sync.Mutex
	feeds map[*natsFeed]struct{}
}

type natsFeed struct {
	src  *NATSSource
	sub  *nats.Subscription
	fail FailFunc
	once sync.Once
}

// ConnectNATS dials url and returns a source owning the connection.
func ConnectNATS(url string, log *zap.Logger) (*NATSSource, error) {
	src := &NATSSource{log: log, feeds: make(map[*natsFeed]struct{})}
	if src.log == nil {
		src.log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("swapsync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			src.failAll(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			src.failAll(ErrSourceClosed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	src.nc = nc
	return src, nil
}

// Conn returns the underlying connection.
func (n *NATSSource) Conn() *nats.Conn { return n.nc }

// Open subscribes the topic subject and flushes so the server has
// registered the interest before Open returns.
func (n *NATSSource) Open(ctx context.Context, topic Topic, deliver DeliverFunc, fail FailFunc) (SourceHandle, error) {
	subject := NATSSubject(topic.Table, topic.Filter)
	feed := &natsFeed{src: n, fail: fail}

	// nats.go calls the handler sequentially for one subscription.
	sub, err := n.nc.Subscribe(subject, func(m *nats.Msg) {
		var ev ChangeEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			n.log.Warn("malformed change event", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		ev.Filter = topic.Filter.String()
		deliver(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush %s: %w", subject, err)
	}
	feed.sub = sub

	n.mu.Lock()
	n.feeds[feed] = struct{}{}
	n.mu.Unlock()
	return feed, nil
}

func (n *NATSSource) failAll(err error) {
	n.mu.Lock()
	feeds := make([]*natsFeed, 0, len(n.feeds))
	for f := range n.feeds {
		feeds = append(feeds, f)
	}
	n.feeds = make(map[*natsFeed]struct{})
	n.mu.Unlock()

	if len(feeds) > 0 {
		n.log.Warn("nats connection lost", zap.Int("feeds", len(feeds)), zap.Error(err))
	}
	for _, f := range feeds {
		f := f
		f.once.Do(func() {
			f.sub.Unsubscribe()
			f.fail(err)
		})
	}
}

// Publish sends ev on the subject of filter.
func (n *NATSSource) Publish(f Filter, ev ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(NATSSubject(ev.Table, f), data)
}

// Close drains the connection. Open feeds are failed with ErrSourceClosed
// by the closed handler.
func (n *NATSSource) Close() error {
	return n.nc.Drain()
}

func (f *natsFeed) Close() error {
	f.src.mu.Lock()
	delete(f.src.feeds, f)
	f.src.mu.Unlock()

	var err error
	f.once.Do(func() {
		err = f.sub.Unsubscribe()
	})
	return err
}
