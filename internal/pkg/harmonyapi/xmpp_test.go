package harmonyapi

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestEncodeIQ(t *testing.T) {
	mime, payload := EncodeHoldAction("PowerOff", "16132094", HoldStatusPress, 0)
	got := encodeIQ("42", newRequest(mime, payload))

	want := `<iq type="get" id="42"><oa xmlns="connect.logitech.com" mime="harmony.engine?holdAction">` +
		`status=press:action={"command"::"PowerOff","type"::"IRCommand","deviceId"::"16132094"}:timestamp=0` +
		`</oa></iq>`

	if got != want {
		t.Errorf("stanza mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestEncodeIQEscapesMarkup(t *testing.T) {
	got := encodeIQ(`a"b`, newRequest("x", "A&B<C>"))

	want := `<iq type="get" id="a&#34;b"><oa xmlns="connect.logitech.com" mime="x">A&amp;B&lt;C&gt;</oa></iq>`
	if got != want {
		t.Errorf("stanza mismatch\n got: %s\nwant: %s", got, want)
	}
}

// channel reading the given stream body, as if the handshake had run
func decodingChannel(body string) *XMPPChannel {
	c := &XMPPChannel{
		r: bufio.NewReader(strings.NewReader(body)),
	}
	c.dec = xml.NewDecoder(c.r)
	return c
}

func TestReadStanza(t *testing.T) {
	c := decodingChannel(` <iq type="result" id="7"><oa xmlns="connect.logitech.com" mime="vnd.logitech.harmony/vnd.logitech.harmony.engine?config" errorcode="200" errorstring="OK">{"activity":[{"label":"A &amp; B","id":"1"}],"device":[]}</oa></iq>`)

	st, err := c.readStanza()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	reply := st.reply()
	if reply.ID != "7" || reply.Type != "result" {
		t.Errorf("unexpected header %+v", reply)
	}
	if len(reply.Elements) != 1 {
		t.Fatalf("got %d elements", len(reply.Elements))
	}

	el := reply.Elements[0]
	if el.Name != "oa" || el.Attr("errorcode") != "200" || el.Attr("errorstring") != "OK" {
		t.Errorf("unexpected element %+v", el)
	}

	cfg, err := NewConfiguration(el.Text)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Activities[0].Label != "A & B" {
		t.Errorf("label %q", cfg.Activities[0].Label)
	}
}

func TestReadStanzaKeepsEveryChild(t *testing.T) {
	tests := map[string]int{
		`<iq type="result" id="1"/>`:                                                  0,
		`<iq type="result" id="1"></iq>`:                                              0,
		`<iq type="result" id="1"><oa errorcode="200">x</oa></iq>`:                    1,
		`<iq type="result" id="1"><oa errorcode="200">a</oa><oa>b</oa></iq>`:          2,
		`<iq type="error" id="1"><error type="cancel"><item-not-found/></error></iq>`: 1,
	}

	for body, want := range tests {
		st, err := decodingChannel(body).readStanza()
		if err != nil {
			t.Errorf("%q: %v", body, err)
			continue
		}
		if got := len(st.reply().Elements); got != want {
			t.Errorf("%q: got %d elements, want %d", body, got, want)
		}
	}
}

func TestReadStanzaStreamEnd(t *testing.T) {
	tests := []string{
		`</stream:stream>`,
		`<stream:error xmlns:stream="http://etherx.jabber.org/streams"><conflict/></stream:error>`,
		`<iq type="result" id="1"><oa>`,
	}

	for _, body := range tests {
		if _, err := decodingChannel(body).readStanza(); err == nil {
			t.Errorf("%q: expected an error", body)
		}
	}
}

func TestXMPPChannelSendBeforeReady(t *testing.T) {
	c := &XMPPChannel{
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]chan *Reply),
	}

	if _, err := c.Send(context.Background(), newRequest(EncodeConfigRequest())); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestXMPPChannelClose(t *testing.T) {
	c := &XMPPChannel{
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]chan *Reply),
	}
	close(c.ready)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}

	if _, err := c.Send(context.Background(), newRequest(EncodeConfigRequest())); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
}

func TestDialXMPPNoAddress(t *testing.T) {
	if _, err := DialXMPP(context.Background(), "", "token"); err == nil {
		t.Error("expected an error")
	}
}

func TestXMPPSessionOverLoopback(t *testing.T) {
	hub := newLoopbackHub(t, []string{"PLAIN"}, func(h *loopbackHub, req hubRequest) {
		if req.Mime == mimeCurrentActivity {
			h.reply(req, oaReply(req.Mime, "result=6932433"))
		}
	})

	client := NewLiveClient().WithConnectTimeout(5 * time.Second)
	if err := client.Connect(hub.Addr(), "abc123"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	waitClosed(t, hub.handshook, "handshake")
	if hub.streamTo != hubDomain {
		t.Errorf("stream to %q", hub.streamTo)
	}
	if hub.auth != "PLAIN \x00abc123\x00abc123" {
		t.Errorf("auth %q", hub.auth)
	}
	if hub.resource != hubResource {
		t.Errorf("resource %q", hub.resource)
	}

	id, err := client.CurrentActivity()
	if err != nil {
		t.Fatalf("current activity: %v", err)
	}
	if id != 6932433 {
		t.Errorf("got activity %d", id)
	}
}

func TestXMPPGuestLogin(t *testing.T) {
	hub := newLoopbackHub(t, []string{"DIGEST-MD5", "PLAIN"}, func(h *loopbackHub, req hubRequest) {})

	ch, err := DialXMPPChannel(context.Background(), hub.Addr(), "", XMPPOptions{
		User:     "guest@x.com",
		Resource: "gatorade",
		Password: "gatorade.",
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	waitClosed(t, ch.Ready(), "ready")
	waitClosed(t, hub.handshook, "handshake")

	if hub.streamTo != "x.com" || hub.auth != "PLAIN \x00guest\x00gatorade." || hub.resource != "gatorade" {
		t.Errorf("unexpected login to %q auth %q resource %q", hub.streamTo, hub.auth, hub.resource)
	}
}

func TestXMPPReplyPayloadCount(t *testing.T) {
	tests := []struct {
		name     string
		children string
		ok       bool
	}{
		{"none", ``, false},
		{"one", oaReply(mimeStartActivity, "mode=2"), true},
		{"two", oaReply(mimeStartActivity, "mode=1") + oaReply(mimeStartActivity, "mode=2"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newLoopbackHub(t, []string{"PLAIN"}, func(h *loopbackHub, req hubRequest) {
				h.reply(req, tt.children)
			})

			client := NewLiveClient().WithConnectTimeout(5 * time.Second)
			if err := client.Connect(hub.Addr(), "abc123"); err != nil {
				t.Fatalf("connect: %v", err)
			}
			defer client.Close()

			text, err := client.StartActivity("2")
			if tt.ok {
				if err != nil || text != "mode=2" {
					t.Errorf("got %q, %v", text, err)
				}
				return
			}

			var protoErr *ProtocolError
			if !errors.As(err, &protoErr) {
				t.Errorf("expected ProtocolError, got %q, %v", text, err)
			}
		})
	}
}

func TestXMPPLateReplyIsDropped(t *testing.T) {
	var first hubRequest

	hub := newLoopbackHub(t, []string{"PLAIN"}, func(h *loopbackHub, req hubRequest) {
		if first.ID == "" {
			first = req
			return
		}
		h.reply(first, oaReply(req.Mime, "result=5"))
		h.reply(req, oaReply(req.Mime, "result=3"))
	})

	client := NewLiveClient().WithConnectTimeout(5 * time.Second)
	if err := client.Connect(hub.Addr(), "abc123"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	_, err := client.WithTimeout(100 * time.Millisecond).CurrentActivity()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a reply timeout, got %v", err)
	}

	id, err := client.CurrentActivity()
	if err != nil {
		t.Fatalf("current activity: %v", err)
	}
	if id != 3 {
		t.Errorf("got activity %d, the late reply leaked through", id)
	}
}

func TestXMPPNoPlainMechanism(t *testing.T) {
	hub := newLoopbackHub(t, []string{"SCRAM-SHA-1"}, func(h *loopbackHub, req hubRequest) {})

	err := NewLiveClient().WithConnectTimeout(5 * time.Second).Connect(hub.Addr(), "abc123")

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected a negotiation failure, got %v", err)
	}
}

func TestXMPPConnectTimeoutReleasesSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	released := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 512)
		for {
			if _, err := conn.Read(buf); err != nil {
				close(released)
				return
			}
		}
	}()

	err = NewLiveClient().WithConnectTimeout(100 * time.Millisecond).Connect(ln.Addr().String(), "abc123")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a connect timeout, got %v", err)
	}

	waitClosed(t, released, "client socket to close")
}

func TestXMPPHubHangsUp(t *testing.T) {
	hub := newLoopbackHub(t, []string{"PLAIN"}, func(h *loopbackHub, req hubRequest) {
		h.hangUp()
	})

	client := NewLiveClient().WithConnectTimeout(5 * time.Second)
	if err := client.Connect(hub.Addr(), "abc123"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	_, err := client.CurrentActivity()
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}

	if _, err := client.CurrentActivity(); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady after losing the channel, got %v", err)
	}
}

func TestXMPPKeepAlive(t *testing.T) {
	hub := newLoopbackHub(t, []string{"PLAIN"}, func(h *loopbackHub, req hubRequest) {})

	ch, err := DialXMPPChannel(context.Background(), hub.Addr(), "abc123", XMPPOptions{PingInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	waitClosed(t, ch.Ready(), "ready")

	for i := 0; i < 2; i++ {
		select {
		case id := <-hub.pings:
			if !strings.HasPrefix(id, "ping_") {
				t.Errorf("ping id %q", id)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no keep-alive ping")
		}
	}

	select {
	case <-ch.Done():
		t.Errorf("channel failed: %v", ch.Err())
	default:
	}
}

func TestXMPPAnswersHubPing(t *testing.T) {
	hub := newLoopbackHub(t, []string{"PLAIN"}, func(h *loopbackHub, req hubRequest) {})

	ch, err := DialXMPPChannel(context.Background(), hub.Addr(), "abc123", XMPPOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	waitClosed(t, ch.Ready(), "ready")
	waitClosed(t, hub.handshook, "handshake")

	hub.write(`<iq type="get" id="hubping" from="connect.logitech.com"><ping xmlns="urn:xmpp:ping"/></iq>`)

	select {
	case id := <-hub.pongs:
		if id != "hubping" {
			t.Errorf("pong for %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ping not answered")
	}
}
