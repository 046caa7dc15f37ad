package harmonyapi

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// hubRequest is one oa request as the loopback hub saw it
type hubRequest struct {
	ID      string
	Mime    string
	Payload string
}

type hubBind struct {
	Resource string `xml:"resource"`
}

type hubOA struct {
	Mime    string `xml:"mime,attr"`
	Payload string `xml:",chardata"`
}

type hubIQ struct {
	ID      string    `xml:"id,attr"`
	Type    string    `xml:"type,attr"`
	Bind    *hubBind  `xml:"bind"`
	Session *struct{} `xml:"session"`
	Ping    *struct{} `xml:"urn:xmpp:ping ping"`
	OA      *hubOA    `xml:"oa"`
}

// loopbackHub is a minimal XMPP server on 127.0.0.1 that accepts one
// client, offers the given SASL mechanisms and hands every oa request to
// respond
type loopbackHub struct {
	ln      net.Listener
	mechs   []string
	respond func(h *loopbackHub, req hubRequest)

	// results of the handshake
	streamTo string
	auth     string
	resource string

	handshook chan struct{}
	pings     chan string
	pongs     chan string
	gone      chan struct{}

	mu   sync.Mutex
	conn net.Conn
}

func newLoopbackHub(t *testing.T, mechs []string, respond func(h *loopbackHub, req hubRequest)) *loopbackHub {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	h := &loopbackHub{
		ln:        ln,
		mechs:     mechs,
		respond:   respond,
		handshook: make(chan struct{}),
		pings:     make(chan string, 16),
		pongs:     make(chan string, 16),
		gone:      make(chan struct{}),
	}

	t.Cleanup(func() {
		ln.Close()
		h.hangUp()
	})

	go h.serve()

	return h
}

func (h *loopbackHub) Addr() string {
	return h.ln.Addr().String()
}

func (h *loopbackHub) write(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		io.WriteString(h.conn, s)
	}
}

func (h *loopbackHub) hangUp() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		h.conn.Close()
	}
}

// reply answers req with raw children inside a result iq
func (h *loopbackHub) reply(req hubRequest, children string) {
	h.write(`<iq type="result" id="` + req.ID + `">` + children + `</iq>`)
}

func nextElement(dec *xml.Decoder, v interface{}) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return dec.DecodeElement(v, &t)
		case xml.EndElement:
			return io.EOF
		}
	}
}

// openStream waits for the client's stream header and answers with our
// own plus features
func (h *loopbackHub) openStream(r *bufio.Reader, features string) (*xml.Decoder, string, error) {
	dec := xml.NewDecoder(r)

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, "", err
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "stream" {
			var to string
			for _, a := range se.Attr {
				if a.Name.Local == "to" {
					to = a.Value
				}
			}

			h.write(`<?xml version="1.0"?><stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" id="s1" from="` + to + `" version="1.0">` +
				`<stream:features>` + features + `</stream:features>`)

			return dec, to, nil
		}
	}
}

func (h *loopbackHub) serve() {
	defer close(h.gone)

	conn, err := h.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	r := bufio.NewReader(conn)

	mechs := ""
	for _, m := range h.mechs {
		mechs += "<mechanism>" + m + "</mechanism>"
	}

	dec, to, err := h.openStream(r, `<mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl">`+mechs+`</mechanisms>`)
	if err != nil {
		return
	}
	h.streamTo = to

	var auth struct {
		Mechanism string `xml:"mechanism,attr"`
		Value     string `xml:",chardata"`
	}
	if err := nextElement(dec, &auth); err != nil {
		return
	}
	creds, _ := base64.StdEncoding.DecodeString(auth.Value)
	h.auth = auth.Mechanism + " " + string(creds)
	h.write(`<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`)

	dec, _, err = h.openStream(r, `<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/><session xmlns="urn:ietf:params:xml:ns:xmpp-session"/>`)
	if err != nil {
		return
	}

	for {
		var iq hubIQ
		if err := nextElement(dec, &iq); err != nil {
			return
		}

		switch {
		case iq.Type == "result":
			h.pongs <- iq.ID
		case iq.Bind != nil:
			h.resource = iq.Bind.Resource
			h.write(`<iq type="result" id="` + iq.ID + `"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>x@y/` + iq.Bind.Resource + `</jid></bind></iq>`)
		case iq.Session != nil:
			h.write(`<iq type="result" id="` + iq.ID + `"/>`)
			close(h.handshook)
		case iq.Ping != nil:
			h.pings <- iq.ID
			h.write(`<iq type="result" id="` + iq.ID + `"/>`)
		case iq.OA != nil:
			h.respond(h, hubRequest{ID: iq.ID, Mime: iq.OA.Mime, Payload: iq.OA.Payload})
		}
	}
}

func oaReply(mime string, body string) string {
	return `<oa xmlns="connect.logitech.com" mime="` + mime + `" errorcode="200" errorstring="OK">` + body + `</oa>`
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
