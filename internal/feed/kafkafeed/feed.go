// Package kafkafeed turns Kafka (or Redpanda) records into SERVER-origin
// write buffers, gated by the device's self_tokens. When self_tokens is
// exhausted the feed pauses polling rather than spinning on rejected
// buffer requests, resuming when the core's OnFreeSelfToken hook fires.
package kafkafeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/chardev/internal/core"
)

// Feed consumes from Kafka and submits each record as a SERVER-origin
// write buffer on dev.
type Feed struct {
	client *kgo.Client
	dev    *core.DeviceRecord
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	paused  atomic.Bool
	resume  chan struct{}
	records uint64
	dropped uint64
}

// Config bundles Feed construction parameters.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Dev           *core.DeviceRecord
	Logger        zerolog.Logger
}

// New creates the franz-go client and wraps it. Admission is entirely the
// device's self_tokens window; the feed carries no rate gate of its own.
func New(cfg Config) (*Feed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkafeed: at least one broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafkafeed: at least one topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafkafeed: create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		client: client,
		dev:    cfg.Dev,
		logger: cfg.Logger.With().Str("component", "kafkafeed").Logger(),
		ctx:    ctx,
		cancel: cancel,
		resume: make(chan struct{}, 1),
	}, nil
}

// SetDevice binds the feed to dev. Like natschannel.Channel, Dev may be
// left nil in Config and supplied afterward, since the device's
// OnFreeSelfToken callback must reference this Feed before the device (and
// therefore the Feed's target) exists.
func (f *Feed) SetDevice(dev *core.DeviceRecord) { f.dev = dev }

// Start begins the poll loop in its own goroutine.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop cancels the poll loop and closes the underlying client.
func (f *Feed) Stop() {
	f.cancel()
	f.wg.Wait()
	f.client.Close()
	f.logger.Info().
		Uint64("records", atomic.LoadUint64(&f.records)).
		Uint64("dropped", atomic.LoadUint64(&f.dropped)).
		Msg("kafka feed stopped")
}

// OnFreeSelfToken is wired to core.Callbacks.OnFreeSelfToken so a paused
// feed resumes as soon as a self-token buffer is released.
func (f *Feed) OnFreeSelfToken(*core.DeviceRecord) {
	if f.paused.CompareAndSwap(true, false) {
		select {
		case f.resume <- struct{}{}:
		default:
		}
	}
}

func (f *Feed) run() {
	defer f.wg.Done()
	for {
		if f.ctx.Err() != nil {
			return
		}
		if f.paused.Load() {
			select {
			case <-f.ctx.Done():
				return
			case <-f.resume:
			}
			continue
		}

		fetches := f.client.PollFetches(f.ctx)
		if f.ctx.Err() != nil {
			return
		}
		for _, err := range fetches.Errors() {
			f.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("fetch error")
		}
		fetches.EachRecord(f.submit)
	}
}

// submit leases a SERVER-origin write buffer for record.Value and queues it
// for the device. A PoolExhausted error pauses the feed until
// OnFreeSelfToken signals a self-token became available again.
func (f *Feed) submit(record *kgo.Record) {
	buf, err := f.dev.WriteBufferGet(core.OriginServer, "", len(record.Value), 0)
	if err != nil {
		if errors.Is(err, core.ErrPoolExhausted) {
			f.paused.Store(true)
			atomic.AddUint64(&f.dropped, 1)
			return
		}
		f.logger.Warn().Err(err).Msg("server buffer request failed")
		return
	}
	buf.Fill(record.Value)
	f.dev.WriteBufferAdd(buf)
	atomic.AddUint64(&f.records, 1)
}
