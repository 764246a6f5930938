package monitor

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/isp-autolevel/internal/isp/flow"
)

// DefaultSinkBacklog is the AsyncSink queue depth when none is given.
const DefaultSinkBacklog = 256

// AsyncSink moves reporting off the control loop. Reports that find the
// backlog full are dropped and counted.
type AsyncSink struct {
	ch      chan flow.Report
	sink    flow.Reporter
	done    chan struct{}
	dropped atomic.Uint64
	once    sync.Once
}

// NewAsyncSink starts a goroutine forwarding to sink.
func NewAsyncSink(sink flow.Reporter, backlog int) *AsyncSink {
	if backlog <= 0 {
		backlog = DefaultSinkBacklog
	}
	a := &AsyncSink{
		ch:   make(chan flow.Report, backlog),
		sink: sink,
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for r := range a.ch {
		a.sink.ReportFlow(r)
	}
}

func (a *AsyncSink) ReportFlow(r flow.Report) {
	select {
	case a.ch <- r:
	default:
		if n := a.dropped.Add(1); n%DefaultSinkBacklog == 1 {
			logger.Errorf("flow sink behind, %d reports dropped", n)
		}
	}
}

// Dropped is the number of reports discarded so far.
func (a *AsyncSink) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting reports and waits for the backlog to drain. Reports
// must not be sent after Close.
func (a *AsyncSink) Close() {
	a.once.Do(func() { close(a.ch) })
	<-a.done
}

// Publisher is the part of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Timeout  time.Duration
}

// NewMQTTClient connects to the broker in cfg.
func NewMQTTClient(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Errorf("mqtt connection lost: %v", err)
		})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %s", cfg.Broker, cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	logger.Infof("connected to mqtt broker %s as %s", cfg.Broker, cfg.ClientID)
	return c, nil
}

// flowMessage is the JSON published per report.
type flowMessage struct {
	Algorithm  string `json:"algorithm"`
	TrackingID uint32 `json:"tracking_id"`
	CurrentID  uint32 `json:"current_id"`
	State      string `json:"state"`
	Time       string `json:"time"`
}

// MQTTSink publishes each report to <topic>/<algorithm>.
type MQTTSink struct {
	client  Publisher
	topic   string
	qos     byte
	timeout time.Duration
	now     func() time.Time
	failed  atomic.Uint64
}

func NewMQTTSink(client Publisher, cfg MQTTConfig) *MQTTSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTSink{
		client:  client,
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		timeout: timeout,
		now:     time.Now,
	}
}

// Topic returns the topic reports for alg are published on.
func (s *MQTTSink) Topic(alg string) string {
	return s.topic + "/" + alg
}

// ReportFlow publishes r and waits for the broker to acknowledge it. Run
// it behind an AsyncSink.
func (s *MQTTSink) ReportFlow(r flow.Report) {
	payload, err := json.Marshal(flowMessage{
		Algorithm:  r.Algorithm,
		TrackingID: r.TrackingID,
		CurrentID:  r.CurrentID,
		State:      r.State.String(),
		Time:       s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		logger.Errorf("marshal flow report: %v", err)
		return
	}
	token := s.client.Publish(s.Topic(r.Algorithm), s.qos, false, payload)
	if !token.WaitTimeout(s.timeout) {
		s.failed.Add(1)
		logger.Errorf("publish to %s timed out", s.Topic(r.Algorithm))
		return
	}
	if err := token.Error(); err != nil {
		s.failed.Add(1)
		logger.Errorf("publish to %s: %v", s.Topic(r.Algorithm), err)
	}
}

// Failed is the number of publishes that did not complete.
func (s *MQTTSink) Failed() uint64 { return s.failed.Load() }
