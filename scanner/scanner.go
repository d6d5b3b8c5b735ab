// Package scanner runs the ingestion pipeline of one gateway discovery prefix:
// MQTT reports are decoded and queued on the receive path, and a single
// processing loop parses, caches and dispatches them as advertisement events.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/ble-trans/advertisement"
	"github.com/eddielth/ble-trans/cache"
	"github.com/eddielth/ble-trans/config"
	"github.com/eddielth/ble-trans/decoder"
	"github.com/eddielth/ble-trans/events"
	"github.com/eddielth/ble-trans/logger"
	"github.com/eddielth/ble-trans/mqtt"
	"github.com/eddielth/ble-trans/queue"
	"github.com/eddielth/ble-trans/record"
	"github.com/eddielth/ble-trans/validator"
)

const (
	DefaultDomain       = "ab_gateway"
	DefaultPollInterval = time.Second
)

// Config holds the settings of one scanner.
type Config struct {
	ID              string
	Domain          string
	DiscoveryPrefix string
	QoS             byte
	QueueSize       int
	PollInterval    time.Duration
	CacheSize       int
	StrictRecords   bool
	// DeriveConnectable sets Connectable from the PDU type instead of
	// reporting every device connectable.
	DeriveConnectable bool
}

// ConfigFrom builds a scanner Config from the application configuration.
func ConfigFrom(m config.MQTTConfig, s config.ScannerConfig) Config {
	return Config{
		ID:              s.ID,
		Domain:          s.Domain,
		DiscoveryPrefix: m.DiscoveryPrefix,
		QoS:             m.QoS,
		QueueSize:       s.QueueSize,
		PollInterval:    s.PollInterval,
		CacheSize:       s.CacheSize,
		StrictRecords:   s.StrictRecords,

		DeriveConnectable: s.DeriveConnectable,
	}
}

// State is the position of the processing loop.
type State int32

const (
	Stopped State = iota
	WaitingForItem
	Processing
	Dispatched
	ShutdownRequested
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case WaitingForItem:
		return "waiting_for_item"
	case Processing:
		return "processing"
	case Dispatched:
		return "dispatched"
	case ShutdownRequested:
		return "shutdown_requested"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats are the scanner counters since creation.
type Stats struct {
	ID               string        `json:"id"`
	State            string        `json:"state"`
	MessagesReceived uint64        `json:"messages_received"`
	DecodeFailures   uint64        `json:"decode_failures"`
	RecordsRejected  uint64        `json:"records_rejected"`
	RecordsQueued    uint64        `json:"records_queued"`
	ParseFailures    uint64        `json:"parse_failures"`
	EventsDispatched uint64        `json:"events_dispatched"`
	CachedDevices    int           `json:"cached_devices"`
	Queues           []queue.Stats `json:"queues"`
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithClock replaces the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// WithValidator replaces the record validator used in strict mode.
func WithValidator(v validator.Validator) Option {
	return func(s *Scanner) {
		s.validator = v
	}
}

// Scanner owns the queue, the device cache and the processing loop.
type Scanner struct {
	cfg       Config
	transport mqtt.Subscriber
	parser    advertisement.Parser
	bus       *events.Bus
	validator validator.Validator
	now       func() time.Time

	mu     sync.Mutex
	queues *queue.Set
	cache  *cache.Cache
	subs   []mqtt.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	state          atomic.Int32
	received       atomic.Uint64
	decodeFailures atomic.Uint64
	rejected       atomic.Uint64
	queued         atomic.Uint64
	parseFailures  atomic.Uint64
	dispatched     atomic.Uint64
}

// New creates a scanner that subscribes through transport and publishes to bus.
func New(cfg Config, transport mqtt.Subscriber, parser advertisement.Parser, bus *events.Bus, opts ...Option) (*Scanner, error) {
	if transport == nil {
		return nil, errors.New("scanner requires a transport")
	}
	if parser == nil {
		return nil, errors.New("scanner requires an advertisement parser")
	}
	if bus == nil {
		return nil, errors.New("scanner requires an event bus")
	}
	if cfg.DiscoveryPrefix == "" {
		return nil, errors.New("scanner requires a discovery prefix")
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Domain
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	s := &Scanner{
		cfg:       cfg,
		transport: transport,
		parser:    parser,
		bus:       bus,
		validator: validator.DeviceRecord(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the scanner id.
func (s *Scanner) ID() string {
	return s.cfg.ID
}

// State returns the current loop state.
func (s *Scanner) State() State {
	return State(s.state.Load())
}

// Start subscribes to the discovery topic and starts the processing loop. The
// loop runs until Stop is called or ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) ([]mqtt.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, fmt.Errorf("scanner %s already started", s.cfg.ID)
	}

	c, err := cache.New(s.cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	s.cache = c
	s.queues = queue.NewSet(s.cfg.QueueSize)

	topic := mqtt.DiscoveryTopic(s.cfg.DiscoveryPrefix)
	sub, err := s.transport.Subscribe(topic, s.cfg.QoS, s.HandleMessage)
	if err != nil {
		s.cache = nil
		s.queues = nil
		return nil, fmt.Errorf("scanner %s failed to subscribe to %s: %w", s.cfg.ID, topic, err)
	}
	s.subs = []mqtt.Subscription{sub}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state.Store(int32(WaitingForItem))

	go s.run(loopCtx, s.queues, s.cache, s.done)

	logger.Info("scanner %s started on %s", s.cfg.ID, topic)
	return append([]mqtt.Subscription(nil), s.subs...), nil
}

// Stop unsubscribes, cancels the processing loop and waits for it. Records
// still queued are discarded.
func (s *Scanner) Stop() {
	s.mu.Lock()
	subs := s.subs
	cancel := s.cancel
	done := s.done
	s.subs = nil
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	for _, sub := range subs {
		if sub.Unsubscribe == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("scanner %s failed to unsubscribe from %s: %v", s.cfg.ID, sub.Topic, err)
		}
	}

	cancel()
	<-done

	s.mu.Lock()
	if s.queues != nil {
		for _, st := range s.queues.Stats() {
			if st.Pending > 0 {
				logger.Info("scanner %s discarded %d queued records from %s", s.cfg.ID, st.Pending, st.Name)
			}
		}
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	s.cache = nil
	s.queues = nil
	s.mu.Unlock()

	s.state.Store(int32(Stopped))
	logger.Info("scanner %s stopped", s.cfg.ID)
}

// HandleMessage is the MQTT receive path. It never blocks on the processing loop.
func (s *Scanner) HandleMessage(topic string, payload []byte) {
	s.received.Add(1)

	s.mu.Lock()
	queues := s.queues
	s.mu.Unlock()
	if queues == nil {
		logger.Debug("scanner %s not running, ignoring message on %s", s.cfg.ID, topic)
		return
	}

	report, err := decoder.Decode(payload)
	if err != nil {
		s.decodeFailures.Add(1)
		switch {
		case errors.Is(err, decoder.ErrUndecodable):
			logger.Debug("cannot decode message on %s: %v", topic, err)
		default:
			logger.Warn("unable to parse message on %s: %v", topic, err)
		}
		return
	}

	if report.GatewayID == "" {
		report.GatewayID = mqtt.GatewayFromTopic(topic)
	}

	for i, entry := range report.Devices {
		rec, err := record.Normalize(entry)
		if err != nil {
			s.rejected.Add(1)
			logger.Warn("gateway %s device entry %d dropped: %v", report.GatewayID, i, err)
			continue
		}

		if s.cfg.StrictRecords && s.validator != nil {
			if err := s.validator.Validate(rec); err != nil {
				s.rejected.Add(1)
				logger.Warn("gateway %s device %s rejected: %v", report.GatewayID, rec.MAC, err)
				continue
			}
		}

		queues.Put(queue.Advertisements, record.QueueItem{GatewayID: report.GatewayID, Device: rec})
		s.queued.Add(1)
	}
}

func (s *Scanner) run(ctx context.Context, queues *queue.Set, c *cache.Cache, done chan struct{}) {
	defer close(done)

	for {
		s.state.Store(int32(WaitingForItem))
		item, err := queues.Get(ctx, queue.Advertisements, s.cfg.PollInterval)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case err != nil:
			s.state.Store(int32(ShutdownRequested))
			logger.Debug("scanner %s processing loop exiting: %v", s.cfg.ID, err)
			return
		}

		s.state.Store(int32(Processing))
		if s.process(ctx, c, item) {
			s.state.Store(int32(Dispatched))
		}
	}
}

// process turns one queued record into an event. It reports whether an event
// was dispatched. Publishing waits while a subscriber is behind, which leaves
// new records to pile up in the drop-oldest queue.
func (s *Scanner) process(ctx context.Context, c *cache.Cache, item record.QueueItem) bool {
	identity, payload, err := s.parser.Parse(item.Device)
	if err != nil {
		s.parseFailures.Add(1)
		logger.Warn("gateway %s: failed to parse advertisement from %s: %v", item.GatewayID, item.Device.MAC, err)
		return false
	}

	var previous string
	if prev, ok := c.Lookup(identity.Address); ok {
		previous = prev.Identity.Name
	}

	name := firstNonEmpty(payload.LocalName, identity.Name, previous)
	if name != "" {
		identity.Name = name
	} else {
		name = identity.Address
	}

	now := s.now()
	c.Upsert(identity.Address, identity, payload, now)

	ev := events.AdvertisementEvent{
		Name:             name,
		Address:          identity.Address,
		RSSI:             payload.RSSI,
		TxPower:          payload.TxPower,
		ManufacturerData: payload.ManufacturerData,
		ServiceData:      payload.ServiceData,
		ServiceUUIDs:     payload.ServiceUUIDs,
		Source:           s.cfg.Domain + "_" + item.GatewayID,
		GatewayID:        item.GatewayID,
		Timestamp:        now,
		Connectable:      true,
	}
	if s.cfg.DeriveConnectable {
		ev.Connectable = Connectable(item.Device.AdType)
	}

	if _, err := s.bus.Publish(ctx, ev); err != nil {
		logger.Debug("scanner %s: event for %s not dispatched: %v", s.cfg.ID, ev.Address, err)
		return false
	}
	s.dispatched.Add(1)
	return true
}

// Connectable reports whether the advertising PDU type accepts connections
// (ADV_IND and ADV_DIRECT_IND). Events carry it only when DeriveConnectable
// is set; otherwise every device is reported connectable.
func Connectable(adType int) bool {
	return adType == 0 || adType == 1
}

// Devices returns the addresses currently cached, sorted.
func (s *Scanner) Devices() []string {
	s.mu.Lock()
	c := s.cache
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Addresses()
}

// Lookup returns the cached observation of address.
func (s *Scanner) Lookup(address string) (cache.Entry, bool) {
	s.mu.Lock()
	c := s.cache
	s.mu.Unlock()
	if c == nil {
		return cache.Entry{}, false
	}
	return c.Lookup(address)
}

// Stats returns the scanner counters.
func (s *Scanner) Stats() Stats {
	st := Stats{
		ID:               s.cfg.ID,
		State:            s.State().String(),
		MessagesReceived: s.received.Load(),
		DecodeFailures:   s.decodeFailures.Load(),
		RecordsRejected:  s.rejected.Load(),
		RecordsQueued:    s.queued.Load(),
		ParseFailures:    s.parseFailures.Load(),
		EventsDispatched: s.dispatched.Load(),
	}

	s.mu.Lock()
	if s.cache != nil {
		st.CachedDevices = s.cache.Len()
	}
	if s.queues != nil {
		st.Queues = s.queues.Stats()
	}
	s.mu.Unlock()
	return st
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
