package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	ferrors "git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/retry"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "buildstate.events"

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL     string
	Subject string
	// Stream, when set, publishes through JetStream into a stream of that
	// name covering Subject.>. Otherwise core NATS is used.
	Stream  string
	Timeout time.Duration
	// Retry governs republishing after a failed publish. The zero value
	// selects retry.DefaultPolicy.
	Retry retry.Policy
}

// envelope is the wire format of a published event.
type envelope struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// NATSPublisher publishes JSON events to <subject>.<target>.<kind>.
type NATSPublisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	timeout time.Duration
	retry   retry.Policy
}

// NewNATSPublisher connects to the configured server.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, ferrors.ConfigError("nats url is required").Build()
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	policy := cfg.Retry
	if policy == (retry.Policy{}) {
		policy = retry.DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("buildstate"))
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryMessaging, "failed to connect to NATS").
			WithContext("url", cfg.URL).
			Build()
	}

	p := &NATSPublisher{conn: conn, subject: subject, timeout: timeout, retry: policy}

	if cfg.Stream != "" {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, ferrors.WrapError(err, ferrors.CategoryMessaging, "failed to create JetStream context").Build()
		}
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.Stream,
			Description: "Build output lifecycle events",
			Subjects:    []string{subject + ".>"},
			MaxAge:      24 * time.Hour,
		})
		if err != nil {
			conn.Close()
			return nil, ferrors.WrapError(err, ferrors.CategoryMessaging, "failed to create stream").
				WithContext("stream", cfg.Stream).
				Build()
		}
		p.js = js
	}

	slog.Info("NATS event publisher initialized",
		"url", cfg.URL,
		"subject", subject,
		"stream", cfg.Stream)

	return p, nil
}

// SubjectFor returns the subject evt is published on.
func SubjectFor(prefix string, evt Event) string {
	target := evt.TargetID()
	if target == "" {
		target = "_"
	}
	return prefix + "." + sanitizeToken(target) + "." + evt.Kind()
}

// sanitizeToken replaces characters NATS treats as subject separators or wildcards.
func sanitizeToken(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch c {
		case '.', '*', '>', ' ', '\t':
			b[i] = '_'
		}
	}
	return string(b)
}

// Encode returns the wire form of evt.
func Encode(evt Event) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: evt.Kind(), Target: evt.TargetID(), Payload: payload})
}

func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := Encode(evt)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to marshal event").Build()
	}
	subject := SubjectFor(p.subject, evt)

	err = p.retry.Do(ctx, func(ctx context.Context) error {
		if p.js != nil {
			ctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			_, err := p.js.Publish(ctx, subject, data)
			return err
		}
		return p.conn.Publish(subject, data)
	})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryMessaging, "failed to publish event").
			WithContext("subject", subject).
			Build()
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
