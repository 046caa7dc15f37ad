package harmonyapi

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
	"github.com/pkg/errors"
)

const (
	defaultConnectTimeout = time.Second * 10
	defaultReplyTimeout   = time.Second * 10
	defaultHoldDuration   = time.Second * 20
)

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateReady
)

func (s sessionState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	}
	return "unknown"
}

// One authenticated connection to a hub.  The mutex is held for the whole
// of each operation so calls never overlap on the wire.
type session struct {
	mu         sync.Mutex
	address    string
	credential string
	channel    Channel
	state      sessionState
}

// Live is the protocol client for one hub session.  The With* methods
// return copies that share the same session.
type Live struct {
	dial           Dialer
	sess           *session
	ctx            context.Context
	timeout        time.Duration
	connectTimeout time.Duration
	holdDuration   time.Duration
}

func NewLiveClient() *Live {
	return &Live{
		dial:           DialXMPP,
		sess:           &session{},
		ctx:            context.Background(),
		timeout:        defaultReplyTimeout,
		connectTimeout: defaultConnectTimeout,
		holdDuration:   defaultHoldDuration,
	}
}

func (c *Live) WithDialer(d Dialer) *Live {
	nc := *c
	nc.dial = d
	return &nc
}

func (c *Live) WithConnectTimeout(d time.Duration) *Live {
	nc := *c
	nc.connectTimeout = d
	return &nc
}

func (c *Live) WithContext(ctx context.Context) Harmony {
	nc := *c
	nc.ctx = ctx
	return &nc
}

// WithTimeout bounds each reply wait; zero waits as long as the context allows
func (c *Live) WithTimeout(d time.Duration) Harmony {
	nc := *c
	nc.timeout = d
	return &nc
}

func (c *Live) WithHoldDuration(d time.Duration) Harmony {
	nc := *c
	nc.holdDuration = d
	return &nc
}

func (c *Live) MakeContext() (context.Context, context.CancelFunc) {
	var ctx = c.ctx
	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	return ctx, cancel
}

// Connect dials the hub and blocks until the session is established or the
// connect timeout passes
func (c *Live) Connect(address string, credential string) error {
	s := c.sess
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateDisconnected {
		return &ConnectionError{Address: address, Err: errors.Errorf("session is %s", s.state)}
	}

	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}

	s.address = address
	s.credential = credential
	s.state = stateConnecting

	ctx := c.ctx
	var cancel context.CancelFunc = func() {}
	if c.connectTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
	}
	defer cancel()

	logging.Logger(c.ctx).Debugf("connecting to hub at %s", address)

	ch, err := c.dial(ctx, address, credential)
	if err != nil {
		s.state = stateDisconnected
		return &ConnectionError{Address: address, Err: errors.Wrap(err, "dialing hub")}
	}

	select {
	case <-ch.Ready():
	case <-ch.Done():
		ch.Close()
		s.state = stateDisconnected
		return &ConnectionError{Address: address, Err: errors.Wrap(ch.Err(), "establishing session")}
	case <-ctx.Done():
		ch.Close()
		s.state = stateDisconnected
		return &ConnectionError{Address: address, Err: errors.Wrap(ctx.Err(), "waiting for session")}
	}

	s.channel = ch
	s.state = stateReady
	logging.Logger(c.ctx).Infof("session established with hub at %s", address)

	return nil
}

// Close ends the session; the client can be connected again afterwards
func (c *Live) Close() error {
	s := c.sess
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil {
		s.state = stateDisconnected
		return nil
	}

	err := s.channel.Close()
	s.channel = nil
	s.state = stateDisconnected
	logging.Logger(c.ctx).Debugf("session with %s closed", s.address)

	return err
}

// run fn with the session locked, failing when it is not ready
func (c *Live) withSession(fn func(ch Channel) error) error {
	s := c.sess
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReady {
		return &ConnectionError{Address: s.address, Err: ErrNotReady}
	}

	return fn(s.channel)
}

// send one request and wait for its reply
func (c *Live) exchange(ch Channel, mime string, payload string) (*Reply, error) {
	ctx, cancel := c.MakeContext()
	defer cancel()

	logging.Logger(c.ctx).Debugf("sending %s [%s]", mime, payload)

	reply, err := ch.Send(ctx, newRequest(mime, payload))
	if err != nil {
		if errors.Is(err, ErrChannelClosed) {
			c.sess.state = stateDisconnected
			return nil, &ConnectionError{Address: c.sess.address, Err: err}
		}
		return nil, errors.Wrapf(err, "waiting for %s reply", mime)
	}

	return reply, nil
}

func (c *Live) Configuration() (*Configuration, error) {
	var cfg *Configuration

	err := c.withSession(func(ch Channel) error {
		mime, payload := EncodeConfigRequest()
		reply, err := c.exchange(ch, mime, payload)
		if err != nil {
			return err
		}

		el, err := AssertSuccess(mime, reply)
		if err != nil {
			return err
		}

		cfg, err = NewConfiguration(el.Text)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetching configuration")
	}

	return cfg, nil
}

func (c *Live) currentActivity(ch Channel) (int, error) {
	mime, payload := EncodeCurrentActivityRequest()
	reply, err := c.exchange(ch, mime, payload)
	if err != nil {
		return 0, err
	}

	el, err := AssertSuccess(mime, reply)
	if err != nil {
		return 0, err
	}

	return DecodeCurrentActivityReply(el.Text)
}

func (c *Live) CurrentActivity() (int, error) {
	var id int

	err := c.withSession(func(ch Channel) (err error) {
		id, err = c.currentActivity(ch)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "fetching current activity")
	}

	return id, nil
}

func (c *Live) startActivity(ch Channel, activityID string) (string, error) {
	mime, payload := EncodeStartActivity(activityID)
	reply, err := c.exchange(ch, mime, payload)
	if err != nil {
		return "", err
	}

	el, err := singlePayload(mime, reply)
	if err != nil {
		return "", err
	}

	return el.Text, nil
}

// StartActivity asks the hub to switch activity and returns the raw reply
// body.  Activity -1 turns everything off.
func (c *Live) StartActivity(activityID string) (string, error) {
	var text string

	err := c.withSession(func(ch Channel) (err error) {
		text, err = c.startActivity(ch, activityID)
		return err
	})
	if err != nil {
		return "", errors.Wrapf(err, "starting activity %s", activityID)
	}

	return text, nil
}

// TurnOff starts the power-off activity unless it is already current
func (c *Live) TurnOff() (bool, error) {
	err := c.withSession(func(ch Channel) error {
		current, err := c.currentActivity(ch)
		if err != nil {
			return err
		}

		if current == PowerOffActivity {
			logging.Logger(c.ctx).Debug("already off")
			return nil
		}

		logging.Logger(c.ctx).Debugf("current activity %d, turning off", current)
		_, err = c.startActivity(ch, strconv.Itoa(PowerOffActivity))
		return err
	})
	if err != nil {
		return false, errors.Wrap(err, "turning off")
	}

	return true, nil
}

// SendButtonPress sends an IR command to a device as two holdAction
// presses: one at timestamp 0 and one at the hold duration.  Both must be
// acknowledged; the body of the second reply is returned.
func (c *Live) SendButtonPress(command string, deviceID string) (string, error) {
	var text string

	err := c.withSession(func(ch Channel) error {
		for _, ts := range []int64{0, c.holdDuration.Milliseconds()} {
			mime, payload := EncodeHoldAction(command, deviceID, HoldStatusPress, ts)
			reply, err := c.exchange(ch, mime, payload)
			if err != nil {
				return err
			}

			el, err := singlePayload(mime, reply)
			if err != nil {
				return err
			}
			text = el.Text
		}

		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "sending %s to device %s", command, deviceID)
	}

	return text, nil
}
