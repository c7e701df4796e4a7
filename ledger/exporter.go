package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

const (
	// exporterBufferSize is the feed subscription buffer. When downstream
	// Kafka falls behind further than this, events are dropped from the
	// export stream (never from the store itself).
	exporterBufferSize = 512
)

var (
	exportCounter  = metrics.NewRegisteredCounter("ledger/export/published", nil)
	exportDropped  = metrics.NewRegisteredCounter("ledger/export/dropped", nil)
	exportFailures = metrics.NewRegisteredCounter("ledger/export/failures", nil)
)

// ExporterConfig selects the Kafka endpoint the event stream is mirrored to.
type ExporterConfig struct {
	Brokers []string
	Topic   string

	// Sarama overrides the client configuration, mainly for tests.
	Sarama *sarama.Config
}

// DefaultSaramaConfig returns the producer settings used when the exporter
// configuration does not carry its own.
func DefaultSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond
	cfg.Producer.Return.Errors = true
	return cfg
}

// Exporter mirrors every appended ledger event onto a Kafka topic for
// external consumers (dashboards, analytics). It is strictly best effort:
// the store never blocks on it.
type Exporter struct {
	topic    string
	producer sarama.AsyncProducer
	sub      event.Subscription
	events   chan *Event
	logger   log.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewExporter connects the producer and starts mirroring events from the
// store until Stop.
func NewExporter(store *Store, cfg ExporterConfig) (*Exporter, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("ledger: exporter needs brokers and a topic")
	}
	scfg := cfg.Sarama
	if scfg == nil {
		scfg = DefaultSaramaConfig()
	}
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, scfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: start kafka producer: %w", err)
	}
	e := newExporter(store, cfg.Topic, producer)
	e.logger.Info("Ledger export enabled", "brokers", len(cfg.Brokers), "topic", cfg.Topic)
	return e, nil
}

// newExporter wires an already constructed producer, so tests can substitute
// a mock.
func newExporter(store *Store, topic string, producer sarama.AsyncProducer) *Exporter {
	e := &Exporter{
		topic:    topic,
		producer: producer,
		events:   make(chan *Event, exporterBufferSize),
		logger:   log.New("ledger", "exporter"),
		quit:     make(chan struct{}),
	}
	e.sub = store.SubscribeEvents(e.events)

	e.wg.Add(2)
	go e.publishLoop()
	go e.errorLoop()
	return e
}

func (e *Exporter) publishLoop() {
	defer e.wg.Done()
	for {
		select {
		case evt := <-e.events:
			data, err := json.Marshal(evt)
			if err != nil {
				e.logger.Error("Failed to encode event for export", "seq", evt.Seq, "err", err)
				continue
			}
			msg := &sarama.ProducerMessage{
				Topic: e.topic,
				Key:   sarama.StringEncoder(evt.Kind),
				Value: sarama.ByteEncoder(data),
			}
			// Never stall the feed: shed load once the producer queue is full.
			select {
			case e.producer.Input() <- msg:
				exportCounter.Inc(1)
			default:
				exportDropped.Inc(1)
			}

		case <-e.sub.Err():
			return

		case <-e.quit:
			return
		}
	}
}

func (e *Exporter) errorLoop() {
	defer e.wg.Done()
	for {
		select {
		case perr, ok := <-e.producer.Errors():
			if !ok {
				return
			}
			exportFailures.Inc(1)
			e.logger.Warn("Ledger export publish failed", "err", perr.Err)

		case <-e.quit:
			return
		}
	}
}

// Stop unsubscribes from the store and shuts the producer down.
func (e *Exporter) Stop() {
	e.sub.Unsubscribe()
	close(e.quit)
	e.wg.Wait()
	if err := e.producer.Close(); err != nil {
		e.logger.Warn("Kafka producer shutdown", "err", err)
	}
}
