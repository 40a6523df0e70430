// Package main provides an illustrative dispatcher that wires a Kafka
// partition consumer to per-(team, session) SessionManagers. The
// consumer and dispatcher are out of scope of the buffering engine
// itself; this binary exists to show how the pieces in session/, store/,
// mirror/, buffer/, and config/ are meant to be assembled by a real
// deployment.
//
// Usage:
//
//	session-recording-ingester run --config sessionrec.yaml
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/coldstore-io/sessionrec/config"
	"github.com/coldstore-io/sessionrec/ingestmsg"
	sessionlog "github.com/coldstore-io/sessionrec/log"
	"github.com/coldstore-io/sessionrec/mirror"
	"github.com/coldstore-io/sessionrec/session"
	"github.com/coldstore-io/sessionrec/store"
)

const exitFailure = 1

func main() {
	app := &cli.App{
		Name:  "session-recording-ingester",
		Usage: "consumes recording events and buffers/flushes them per session",
		Commands: []*cli.Command{
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitFailure)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the ingester",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "path to sessionrec.yaml",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address to serve /metrics on",
				Value: ":9090",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	storeClient, err := store.New(ctx, store.Config{
		Bucket:       cfg.Storage.Bucket,
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		UsePathStyle: cfg.Storage.S3PathStyle,
	})
	if err != nil {
		return fmt.Errorf("build object store client: %w", err)
	}

	mirrorStore, err := mirror.New(mirror.Config{
		URL:     cfg.Realtime.URL,
		Timeout: cfg.Realtime.Timeout.Duration,
		Retries: realtimeRetries(cfg),
	})
	if err != nil {
		return fmt.Errorf("build realtime mirror store: %w", err)
	}
	defer func() { _ = mirrorStore.Close() }()

	go serveMetrics(c.String("metrics-addr"))

	d := newDispatcher(cfg, storeClient, mirrorStore)
	defer d.destroyAll()

	go d.runAgeSweeper(ctx)

	return consume(ctx, cfg, d)
}

func realtimeRetries(cfg *config.Config) int {
	if cfg.Realtime.Retries != nil {
		return *cfg.Realtime.Retries
	}
	return mirror.DefaultRetries
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	_ = http.ListenAndServe(addr, mux)
}

// sessionKey identifies one SessionManager by (team, session), matching
// the dispatcher keying rule in the external interface contract.
type sessionKey struct {
	team    string
	session string
}

// dispatcher owns the process-wide map of live SessionManagers, creating
// one on first message for a (team, session) pair and destroying all of
// them at shutdown; a manager is not removed when its session goes idle.
// This is the "process-wide dispatcher"
// named as out-of-scope plumbing around the buffering engine itself.
type dispatcher struct {
	cfg         *config.Config
	storeClient *store.Client
	mirrorStore *mirror.Store
	clock       clockwork.Clock

	mu       sync.Mutex
	managers map[sessionKey]*session.Manager
}

func newDispatcher(cfg *config.Config, storeClient *store.Client, mirrorStore *mirror.Store) *dispatcher {
	return &dispatcher{
		cfg:         cfg,
		storeClient: storeClient,
		mirrorStore: mirrorStore,
		clock:       clockwork.NewRealClock(),
		managers:    make(map[sessionKey]*session.Manager),
	}
}

func (d *dispatcher) managerFor(ctx context.Context, key sessionKey, partition int32, topic string) (*session.Manager, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m, ok := d.managers[key]; ok {
		return m, nil
	}

	logger := sessionlog.New(sessionlog.Identity{
		Team:      key.team,
		Session:   key.session,
		Partition: partition,
		Topic:     topic,
	})

	onFinish := func(low, high int64) {
		logger.Info("flush completed", map[string]any{"low_offset": low, "high_offset": high})
	}

	m, err := session.New(ctx, session.Config{
		MaxBufferSizeKB:             d.cfg.Buffer.MaxSizeKB,
		MaxBufferAgeSeconds:         d.cfg.Buffer.MaxAgeSeconds,
		BufferAgeJitter:             d.cfg.Buffer.AgeJitter,
		BufferAgeInMemoryMultiplier: d.cfg.Buffer.AgeInMemoryMultiplier,
		LocalDirectory:              d.cfg.Buffer.LocalDirectory,
		RemoteFolder:                d.cfg.Storage.RemoteFolder,
		HardFlushTimeout:            d.cfg.Buffer.FlushTimeout.Duration,
	}, session.Identity{
		Team:      key.team,
		Session:   key.session,
		Partition: partition,
		Topic:     topic,
	}, d.storeClient, d.mirrorStore, onFinish, logger, d.clock)
	if err != nil {
		return nil, err
	}

	d.managers[key] = m
	return m, nil
}

// runAgeSweeper periodically gives every live SessionManager a chance to
// flush on buffer age, mirroring the dispatcher's timer-driven sweep
// named in the external interface contract.
func (d *dispatcher) runAgeSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

func (d *dispatcher) sweepOnce(ctx context.Context) {
	d.mu.Lock()
	managers := make([]*session.Manager, 0, len(d.managers))
	for _, m := range d.managers {
		managers = append(managers, m)
	}
	d.mu.Unlock()

	now := d.clock.Now().UnixMilli()
	for _, m := range managers {
		m.FlushIfSessionBufferIsOld(ctx, now)
	}
}

func (d *dispatcher) destroyAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, m := range d.managers {
		m.Destroy()
		delete(d.managers, key)
	}
}

// consume runs the Sarama partition consumer and routes each message to
// its SessionManager by (team, session). It is deliberately minimal:
// rebalance handling, commit strategy, and retry/backoff on consumer
// errors are a dispatcher concern outside this buffering engine's scope.
func consume(ctx context.Context, cfg *config.Config, d *dispatcher) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required to run the consumer")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Version = sarama.V2_8_0_0

	group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID, saramaCfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{dispatcher: d}
	for ctx.Err() == nil {
		if err := group.Consume(ctx, []string{cfg.Kafka.Topic}, handler); err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("consume: %w", err)
		}
	}
	return nil
}

type groupHandler struct {
	dispatcher *dispatcher
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case kmsg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(sess, kmsg)
		}
	}
}

func (h *groupHandler) handle(sess sarama.ConsumerGroupSession, kmsg *sarama.ConsumerMessage) {
	msg, key, err := decodeMessage(kmsg)
	if err != nil {
		// Malformed payloads are dropped rather than crashing the
		// consumer group; the event schema itself is opaque to this
		// engine (ingestmsg package doc).
		sess.MarkMessage(kmsg, "")
		return
	}

	m, err := h.dispatcher.managerFor(sess.Context(), key, kmsg.Partition, kmsg.Topic)
	if err != nil {
		sess.MarkMessage(kmsg, "")
		return
	}

	m.Add(sess.Context(), msg)
	sess.MarkMessage(kmsg, "")
}

// decodeMessage extracts the (team, session) routing key and builds an
// ingestmsg.Message from a raw Kafka record. The routing key is carried
// as Kafka record headers in this illustrative wiring; a real deployment
// may derive it from the payload instead.
func decodeMessage(kmsg *sarama.ConsumerMessage) (*ingestmsg.Message, sessionKey, error) {
	var key sessionKey
	for _, h := range kmsg.Headers {
		switch string(h.Key) {
		case "team":
			key.team = string(h.Value)
		case "session":
			key.session = string(h.Value)
		}
	}
	if key.team == "" || key.session == "" {
		return nil, sessionKey{}, fmt.Errorf("missing team/session headers")
	}

	msg := &ingestmsg.Message{
		Metadata: ingestmsg.Metadata{
			Timestamp: kmsg.Timestamp.UnixMilli(),
			Offset:    kmsg.Offset,
			Partition: kmsg.Partition,
			Topic:     kmsg.Topic,
		},
		Payload: rawPayload(kmsg.Value),
	}
	return msg, key, nil
}

// rawPayload keeps the record body opaque, exactly as ingestmsg.Message
// expects callers to treat it.
func rawPayload(b []byte) any {
	return string(b)
}
