// Package mirror republishes device reports to MQTT broker,
// so dashboards can follow device state without holding a channel connection.
package mirror

import (
	"expvar"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/nestwatch/log2"
)

const (
	DefaultClientID       = "nestwatch"
	DefaultTopic          = "nestwatch/report"
	DefaultPublishTimeout = 5 * time.Second
)

type Options struct {
	Log            *log2.Log
	Broker         string
	ClientID       string
	Topic          string
	QoS            byte
	Retained       bool
	Username       string
	Password       string
	PublishTimeout time.Duration
}

var ErrPublishTimeout = fmt.Errorf("mqtt publish timeout")

// subset of mqtt.Client used here
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Stat struct {
	Published expvar.Int
	Failed    expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"published":%d,"failed":%d}`, s.Published.Value(), s.Failed.Value())
}

// Publisher is a report sink. Each report is one MQTT message.
type Publisher struct {
	c    client
	log  *log2.Log
	opt  Options
	stat Stat
}

// New starts connecting in background; broker outage does not block caller.
func New(opt Options) (*Publisher, error) {
	if opt.Broker == "" {
		return nil, errors.NotValidf("mqtt broker=(empty)")
	}
	if opt.ClientID == "" {
		opt.ClientID = DefaultClientID
	}
	// paho loggers are package globals
	mqtt.ERROR = opt.Log
	mqtt.CRITICAL = opt.Log
	mqtt.WARN = opt.Log

	mopt := mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetClientID(opt.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) { opt.Log.Infof("mqtt connected broker=%s", opt.Broker) }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			opt.Log.Errorf("mqtt connection lost broker=%s err=%v", opt.Broker, err)
		})
	if opt.Username != "" {
		mopt.SetUsername(opt.Username)
		mopt.SetPassword(opt.Password)
	}
	p := newPublisher(mqtt.NewClient(mopt), opt)
	if token := p.c.Connect(); token.Error() != nil {
		// retried in background
		p.log.Errorf("mqtt connect broker=%s err=%v", opt.Broker, token.Error())
	}
	return p, nil
}

func newPublisher(c client, opt Options) *Publisher {
	if opt.Topic == "" {
		opt.Topic = DefaultTopic
	}
	if opt.PublishTimeout <= 0 {
		opt.PublishTimeout = DefaultPublishTimeout
	}
	return &Publisher{c: c, log: opt.Log, opt: opt}
}

func (p *Publisher) Stat() *Stat { return &p.stat }

func (p *Publisher) OnReport(text string) error {
	payload := strings.TrimRight(text, "\r\n")
	token := p.c.Publish(p.opt.Topic, p.opt.QoS, p.opt.Retained, payload)
	if !token.WaitTimeout(p.opt.PublishTimeout) {
		p.stat.Failed.Add(1)
		return errors.Annotatef(ErrPublishTimeout, "topic=%s", p.opt.Topic)
	}
	if err := token.Error(); err != nil {
		p.stat.Failed.Add(1)
		return errors.Annotatef(err, "mqtt publish topic=%s", p.opt.Topic)
	}
	p.stat.Published.Add(1)
	return nil
}

func (p *Publisher) Close() error {
	p.c.Disconnect(250)
	return nil
}
