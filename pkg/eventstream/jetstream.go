/**
 * @description
 * Durable mirror of settlement outcomes on NATS JetStream. Downstream archival
 * and audit consumers read settlement.events.* instead of the ephemeral Redis
 * channels the notification fan-out uses.
 *
 * @dependencies
 * - github.com/nats-io/nats.go/jetstream: JetStream client.
 */
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SubjectPrefix is prepended to every mirrored event kind.
const SubjectPrefix = "settlement.events."

// Mirror publishes settlement outcome events to a JetStream stream.
type Mirror struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials NATS and ensures the stream exists.
func Connect(ctx context.Context, url, stream string) (*Mirror, error) {
	nc, err := nats.Connect(url, nats.Name("settlementd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        stream,
		Description: "Settlement outcomes for archival and audit",
		Subjects:    []string{SubjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Duplicates:  10 * time.Minute,
		Replicas:    1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}

	return &Mirror{nc: nc, js: js}, nil
}

// Subject returns the JetStream subject for an event kind such as BID_PLACED.
func Subject(kind string) string {
	return SubjectPrefix + strings.ToLower(strings.TrimSpace(kind))
}

// Record publishes payload under kind. msgID lets JetStream drop duplicates of
// the same outcome inside the stream's duplicate window.
func (m *Mirror) Record(ctx context.Context, kind, msgID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := m.js.Publish(ctx, Subject(kind), data, opts...); err != nil {
		return fmt.Errorf("failed to publish %s: %w", kind, err)
	}
	return nil
}

// Close drains the NATS connection.
func (m *Mirror) Close() {
	if m.nc != nil {
		_ = m.nc.Drain()
	}
}
