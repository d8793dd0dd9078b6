package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"backfill/internal/logger"

	"github.com/nats-io/nats.go"
)

// NATSNotifier 把事件以 JSON 发布到 <subject>.<type>。
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(url, subject string) (*NATSNotifier, error) {
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	opts := []nats.Option{
		nats.Name("backfill"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("[nats] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Infof("[nats] connection closed")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Infof("[nats] connected to %s, publishing on %s.*", conn.ConnectedUrl(), subject)
	return &NATSNotifier{conn: conn, subject: subject}, nil
}

// Subject 返回事件对应的发布主题。
func (n *NATSNotifier) Subject(evt Event) string {
	return n.subject + "." + string(evt.Type)
}

func (n *NATSNotifier) Notify(_ context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.Subject(evt), payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (n *NATSNotifier) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
