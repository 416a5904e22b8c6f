package eventsocket

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// InboundOptions configures an inbound client connection.
type InboundOptions struct {
	Addr           string
	Password       string
	Filter         string // event filter spec, e.g. "ALL"
	JSONEvents     bool   // subscribe with event json instead of event plain
	ConnectTimeout time.Duration
}

// InboundClient dials the media server, authenticates, installs the event
// filter and then exposes the engine's command surface while the read loop
// runs in the background.
type InboundClient struct {
	*Engine
	opts InboundOptions
	log  *logrus.Entry
}

// NewInbound returns a client ready to Connect. Handlers must be registered
// on the embedded engine before Connect is called.
func NewInbound(opts InboundOptions, log *logrus.Entry) *InboundClient {
	if opts.Filter == "" {
		opts.Filter = "ALL"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &InboundClient{
		Engine: NewEngine(log),
		opts:   opts,
		log:    log,
	}
}

// Connect runs the full handshake: dial, wait for auth/request,
// authenticate, install the event filter.
func (c *InboundClient) Connect() error {
	t, err := Dial(c.opts.Addr, c.opts.ConnectTimeout)
	if err != nil {
		return err
	}
	c.Start(t)

	if _, err := c.WaitAuthRequest(c.opts.ConnectTimeout); err != nil {
		c.Disconnect()
		return err
	}
	reply, err := c.Auth(c.opts.Password)
	if err != nil {
		c.Disconnect()
		return err
	}
	if !reply.Success() {
		c.Disconnect()
		return fmt.Errorf("%w: %s", ErrAuthFailure, reply.ReplyText())
	}

	if c.opts.JSONEvents {
		reply, err = c.EventJSON(c.opts.Filter)
	} else {
		reply, err = c.EventPlain(c.opts.Filter)
	}
	if err != nil {
		c.Disconnect()
		return err
	}
	if !reply.Success() {
		c.Disconnect()
		return fmt.Errorf("%w: %s", ErrFilterFailure, reply.ReplyText())
	}

	c.log.WithField("addr", c.opts.Addr).Info("inbound client ready")
	return nil
}

// Reconnector keeps an inbound client connected, retrying with a growing
// delay after each failed attempt.
type Reconnector struct {
	Client    *InboundClient
	RetryBase time.Duration // delay unit; attempt n sleeps RetryBase*min(3,n)
	OnConnect func()        // invoked after each successful Connect

	stop chan struct{}
}

// Run connects and serves until Stop is called, reconnecting on every
// connection loss.
func (r *Reconnector) Run() {
	if r.RetryBase <= 0 {
		r.RetryBase = 5 * time.Second
	}
	r.stop = make(chan struct{})
	attempt := 0
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		if err := r.Client.Connect(); err != nil {
			attempt++
			delay := r.RetryBase * time.Duration(min(3, attempt))
			r.Client.log.WithError(err).Warnf("connect failed, retrying in %s", delay)
			select {
			case <-time.After(delay):
				continue
			case <-r.stop:
				return
			}
		}
		attempt = 0
		if r.OnConnect != nil {
			r.OnConnect()
		}
		r.Client.ServeForever()
		r.Client.log.Warn("inbound connection lost")
	}
}

// Stop ends the reconnect loop and disconnects the client.
func (r *Reconnector) Stop() {
	if r.stop != nil {
		close(r.stop)
	}
	r.Client.Disconnect()
}
