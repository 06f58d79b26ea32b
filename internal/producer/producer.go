// Package producer constructs an envelope and appends it to the target
// stream, with optional at-most-one-enqueue idempotency.
package producer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AkikoAkaki/streamq/internal/envelope"
	"github.com/AkikoAkaki/streamq/internal/streamclient"
)

// Config configures a Producer.
type Config struct {
	Stream      string
	DefaultType string
	// IdempotencyTTLSec enables producer-side idempotency when > 0: two
	// Send calls with the same (stream, type, key) within this window
	// return the same stream id.
	IdempotencyTTLSec int64
}

// SendOptions parameterizes one Send call.
type SendOptions struct {
	Type string
	Key  string
}

// Producer sends envelopes onto a stream.
type Producer struct {
	client streamclient.Client
	codec  envelope.Codec
	cfg    Config
	log    logrus.FieldLogger
	now    func() time.Time
}

// New builds a Producer. log may be nil, in which case a discard logger is
// used.
func New(client streamclient.Client, codec envelope.Codec, cfg Config, log logrus.FieldLogger) *Producer {
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = logrus.NewEntry(discard)
	}
	return &Producer{client: client, codec: codec, cfg: cfg, log: log, now: time.Now}
}

// idempotencyKey derives the idempotency-reservation key for one
// (stream, type, key) triple.
func idempotencyKey(stream, msgType, key string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", stream, msgType, key)
}

// Send constructs headers, encodes the envelope, and appends it to the
// configured stream.
func (p *Producer) Send(ctx context.Context, payload []byte, opts SendOptions) (string, error) {
	msgType := opts.Type
	if msgType == "" {
		msgType = p.cfg.DefaultType
	}
	if msgType == "" {
		msgType = "msg"
	}

	headers := envelope.Headers{
		Type:       msgType,
		Attempt:    0,
		EnqueuedAt: p.now().UnixMilli(),
		Key:        opts.Key,
	}

	fields, err := p.codec.Encode(envelope.Envelope{Headers: headers, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("producer: encode envelope: %w", err)
	}

	if p.cfg.IdempotencyTTLSec > 0 && opts.Key != "" {
		runner, ok := p.client.(streamclient.ScriptRunner)
		if !ok {
			p.log.Warn("producer: idempotency configured but client has no script capability; sending without dedup")
		} else {
			return p.sendIdempotent(ctx, runner, msgType, opts.Key, fields)
		}
	}

	id, err := p.client.Append(ctx, p.cfg.Stream, fields)
	if err != nil {
		return "", fmt.Errorf("producer: append to %s: %w", p.cfg.Stream, err)
	}
	return id, nil
}

func (p *Producer) sendIdempotent(ctx context.Context, runner streamclient.ScriptRunner, msgType, key string, fields map[string]string) (string, error) {
	idemKey := idempotencyKey(p.cfg.Stream, msgType, key)
	result, err := runner.RunScript(ctx, streamclient.Script{Name: streamclient.ScriptProducerSend},
		[]string{idemKey, p.cfg.Stream},
		p.cfg.IdempotencyTTLSec, fields[envelope.FieldHeaders], fields[envelope.FieldPayload])
	if err != nil {
		return "", fmt.Errorf("producer: idempotent send script: %w", err)
	}
	id, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("producer: idempotent send script returned unexpected type %T", result)
	}
	return id, nil
}
