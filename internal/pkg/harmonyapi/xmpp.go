package harmonyapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
	"github.com/pkg/errors"
)

/*
 *  Stanza channel over the hub's XMPP endpoint.  The hub speaks plaintext
 *  XMPP with SASL PLAIN; the session credential is both the JID node and
 *  the password.
 */

const (
	hubDomain   = "connect.logitech.com"
	hubResource = "gatorade."

	nsClient  = "jabber:client"
	nsStream  = "http://etherx.jabber.org/streams"
	nsSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind    = "urn:ietf:params:xml:ns:xmpp-bind"
	nsSession = "urn:ietf:params:xml:ns:xmpp-session"
	nsPing    = "urn:xmpp:ping"

	closeGrace = time.Second
)

type XMPPOptions struct {
	// JID and password override the credential-derived defaults
	User     string
	Resource string
	Password string

	LogStanzas bool

	// PingInterval sends an XMPP ping while the session is idle; zero disables
	PingInterval time.Duration
}

type xmppLogin struct {
	node     string
	domain   string
	resource string
	password string
}

type XMPPChannel struct {
	logStanzas   bool
	pingInterval time.Duration
	ready        chan struct{}
	done         chan struct{}

	// owned by the reading goroutine
	r   *bufio.Reader
	dec *xml.Decoder

	wmu       sync.Mutex
	closeOnce sync.Once

	mu      sync.Mutex
	conn    net.Conn
	err     error
	pending map[string]chan *Reply
}

// DialXMPP is the default Dialer: user <credential>@connect.logitech.com
func DialXMPP(ctx context.Context, address string, credential string) (Channel, error) {
	return NewXMPPDialer(XMPPOptions{})(ctx, address, credential)
}

// NewXMPPDialer returns a Dialer that uses opts for every connection
func NewXMPPDialer(opts XMPPOptions) Dialer {
	return func(ctx context.Context, address string, credential string) (Channel, error) {
		c, err := DialXMPPChannel(ctx, address, credential, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// DialXMPPChannel starts the XMPP handshake in the background; Ready is
// closed once the session is bound.  The dial and the handshake are
// abandoned when ctx ends.
func DialXMPPChannel(ctx context.Context, address string, credential string, opts XMPPOptions) (*XMPPChannel, error) {
	if address == "" {
		return nil, errors.New("no hub address")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jid := credential + "@" + hubDomain
	if opts.User != "" {
		jid = opts.User
	}

	login := xmppLogin{
		node:     jid,
		domain:   hubDomain,
		resource: hubResource,
		password: credential,
	}
	if i := strings.Index(jid, "@"); i >= 0 {
		login.node, login.domain = jid[:i], jid[i+1:]
	}
	if opts.Resource != "" {
		login.resource = opts.Resource
	}
	if opts.Password != "" {
		login.password = opts.Password
	}

	c := &XMPPChannel{
		logStanzas:   opts.LogStanzas,
		pingInterval: opts.PingInterval,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		pending:      make(map[string]chan *Reply),
	}

	go c.run(ctx, address, login)

	return c, nil
}

func (c *XMPPChannel) run(ctx context.Context, address string, login xmppLogin) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		c.fail(errors.Wrap(contextErr(ctx, err), "connecting"))
		return
	}

	c.mu.Lock()
	if c.err != nil {
		// closed while we were dialing
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	// drop the socket if ctx ends mid-handshake
	stop := context.AfterFunc(ctx, func() { c.closeConn() })

	c.r = bufio.NewReader(conn)
	err = c.handshake(login)
	if !stop() && err == nil {
		err = errors.New("handshake abandoned")
	}
	if err != nil {
		c.fail(errors.Wrap(contextErr(ctx, err), "negotiating xmpp session"))
		c.closeConn()
		return
	}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	close(c.ready)
	c.mu.Unlock()

	if c.pingInterval > 0 {
		go c.keepAlive()
	}

	c.recvLoop()
}

// prefer ctx's error so callers can tell a timeout from a refusal
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, err.Error())
	}
	return err
}

type saslMechanisms struct {
	Mechanism []string `xml:"mechanism"`
}

type streamFeatures struct {
	Mechanisms saslMechanisms `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
	Bind       *struct{}      `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	Session    *struct{}      `xml:"urn:ietf:params:xml:ns:xmpp-session session"`
}

func (f *streamFeatures) offers(mechanism string) bool {
	for _, m := range f.Mechanisms.Mechanism {
		if strings.EqualFold(strings.TrimSpace(m), mechanism) {
			return true
		}
	}
	return false
}

// handshake authenticates with SASL PLAIN, then binds the resource and
// opens a session when the hub offers them
func (c *XMPPChannel) handshake(login xmppLogin) error {
	features, err := c.openStream(login.domain)
	if err != nil {
		return err
	}

	if !features.offers("PLAIN") {
		return errors.Errorf("hub does not offer PLAIN authentication (offers %v)", features.Mechanisms.Mechanism)
	}

	creds := base64.StdEncoding.EncodeToString([]byte("\x00" + login.node + "\x00" + login.password))
	if err := c.write(fmt.Sprintf(`<auth xmlns="%s" mechanism="PLAIN">%s</auth>`, nsSASL, creds)); err != nil {
		return errors.Wrap(err, "sending auth")
	}

	outcome, err := c.readStanza()
	if err != nil {
		return errors.Wrap(err, "reading auth outcome")
	}
	if outcome.XMLName.Space != nsSASL || outcome.XMLName.Local != "success" {
		return errors.Errorf("authentication failed: %s", outcome.condition())
	}

	// the stream restarts after auth
	if features, err = c.openStream(login.domain); err != nil {
		return err
	}

	if features.Bind != nil {
		err := c.request("bind", fmt.Sprintf(`<bind xmlns="%s"><resource>%s</resource></bind>`, nsBind, escapeText(login.resource)))
		if err != nil {
			return err
		}
	}

	if features.Session != nil {
		if err := c.request("session", fmt.Sprintf(`<session xmlns="%s"/>`, nsSession)); err != nil {
			return err
		}
	}

	return nil
}

func (c *XMPPChannel) openStream(domain string) (*streamFeatures, error) {
	c.dec = xml.NewDecoder(c.r)

	header := fmt.Sprintf(`<?xml version="1.0"?><stream:stream to="%s" xmlns="%s" xmlns:stream="%s" version="1.0">`,
		escapeAttr(domain), nsClient, nsStream)
	if err := c.write(header); err != nil {
		return nil, errors.Wrap(err, "opening stream")
	}

	se, err := c.nextStart()
	if err != nil {
		return nil, errors.Wrap(err, "waiting for stream")
	}
	if se.Name.Space != nsStream || se.Name.Local != "stream" {
		return nil, errors.Errorf("expected stream, got %s", se.Name.Local)
	}

	se, err = c.nextStart()
	if err != nil {
		return nil, errors.Wrap(err, "waiting for stream features")
	}
	if se.Name.Space != nsStream || se.Name.Local != "features" {
		return nil, errors.Errorf("expected stream features, got %s", se.Name.Local)
	}

	features := &streamFeatures{}
	if err := c.dec.DecodeElement(features, &se); err != nil {
		return nil, errors.Wrap(err, "decoding stream features")
	}

	return features, nil
}

// request sends a handshake IQ and waits for its result
func (c *XMPPChannel) request(what string, body string) error {
	id := what + "_" + uuid.New().String()
	if err := c.write(fmt.Sprintf(`<iq type="set" id="%s">%s</iq>`, id, body)); err != nil {
		return errors.Wrapf(err, "sending %s", what)
	}

	for {
		st, err := c.readStanza()
		if err != nil {
			return errors.Wrapf(err, "waiting for %s result", what)
		}
		if st.XMLName.Local != "iq" || st.ID != id {
			continue
		}
		if st.Type != "result" {
			return errors.Errorf("%s refused: %s", what, st.condition())
		}
		return nil
	}
}

// One child element of a stanza
type anyElement struct {
	XMLName  xml.Name
	Attrs    []xml.Attr   `xml:",any,attr"`
	Text     string       `xml:",chardata"`
	Children []anyElement `xml:",any"`
}

// A top-level stream element with every child kept
type stanza struct {
	XMLName  xml.Name
	ID       string       `xml:"id,attr"`
	Type     string       `xml:"type,attr"`
	From     string       `xml:"from,attr"`
	Children []anyElement `xml:",any"`
}

// condition names the first child, which is what error and failure
// elements carry
func (s *stanza) condition() string {
	if len(s.Children) == 0 {
		return s.XMLName.Local
	}

	child := s.Children[0]
	if child.XMLName.Local == "error" && len(child.Children) > 0 {
		return child.Children[0].XMLName.Local
	}
	return child.XMLName.Local
}

func (s *stanza) isPing() bool {
	for _, child := range s.Children {
		if child.XMLName.Space == nsPing && child.XMLName.Local == "ping" {
			return true
		}
	}
	return false
}

func (s *stanza) reply() *Reply {
	reply := &Reply{
		ID:       s.ID,
		Type:     s.Type,
		Elements: make([]Element, 0, len(s.Children)),
	}

	for _, child := range s.Children {
		el := Element{
			Name:  child.XMLName.Local,
			Attrs: make(map[string]string, len(child.Attrs)),
			Text:  child.Text,
		}
		for _, a := range child.Attrs {
			el.Attrs[a.Name.Local] = a.Value
		}
		reply.Elements = append(reply.Elements, el)
	}

	return reply
}

// next start element inside the stream; the stream's own end is an error
func (c *XMPPChannel) nextStart() (xml.StartElement, error) {
	for {
		tok, err := c.dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			return xml.StartElement{}, errors.Wrap(io.EOF, "stream closed by hub")
		}
	}
}

func (c *XMPPChannel) readStanza() (*stanza, error) {
	se, err := c.nextStart()
	if err != nil {
		return nil, err
	}

	st := &stanza{}
	if err := c.dec.DecodeElement(st, &se); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", se.Name.Local)
	}

	if st.XMLName.Space == nsStream && st.XMLName.Local == "error" {
		return nil, errors.Errorf("stream error: %s", st.condition())
	}

	return st, nil
}

func (c *XMPPChannel) recvLoop() {
	for {
		st, err := c.readStanza()
		if err != nil {
			c.fail(errors.Wrap(err, "reading stanza"))
			c.closeConn()
			return
		}

		if st.XMLName.Local != "iq" {
			logging.Logger(nil).Debugf("ignoring %s stanza", st.XMLName.Local)
			continue
		}

		if st.Type == "get" && st.isPing() {
			if err := c.write(pongStanza(st)); err != nil {
				c.fail(errors.Wrap(err, "answering ping"))
				c.closeConn()
				return
			}
			continue
		}

		if c.logStanzas {
			logging.Logger(nil).Debugf("received iq id %s type %s with %d children", st.ID, st.Type, len(st.Children))
		}

		c.mu.Lock()
		wait, ok := c.pending[st.ID]
		delete(c.pending, st.ID)
		c.mu.Unlock()

		if !ok {
			logging.Logger(nil).Debugf("no request waiting for iq %s", st.ID)
			continue
		}

		wait <- st.reply()
	}
}

func (c *XMPPChannel) keepAlive() {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			ping := fmt.Sprintf(`<iq type="get" id="ping_%s"><ping xmlns="%s"/></iq>`, uuid.New().String(), nsPing)
			if err := c.write(ping); err != nil {
				c.fail(errors.Wrap(err, "sending ping"))
				c.closeConn()
				return
			}
		}
	}
}

func pongStanza(ping *stanza) string {
	if ping.From == "" {
		return fmt.Sprintf(`<iq type="result" id="%s"/>`, escapeAttr(ping.ID))
	}
	return fmt.Sprintf(`<iq type="result" to="%s" id="%s"/>`, escapeAttr(ping.From), escapeAttr(ping.ID))
}

func (c *XMPPChannel) write(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.logStanzas {
		logging.Logger(nil).Debugf("sending: %s", s)
	}

	_, err := io.WriteString(c.conn, s)
	return err
}

// record the first failure and wake everyone up
func (c *XMPPChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return
	}

	c.err = err
	close(c.done)
}

// end the stream and drop the socket; a blocked writer gets closeGrace to
// finish
func (c *XMPPChannel) closeConn() error {
	var err error

	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		conn.SetWriteDeadline(time.Now().Add(closeGrace))
		c.wmu.Lock()
		io.WriteString(conn, "</stream:stream>")
		c.wmu.Unlock()

		err = conn.Close()
	})

	return err
}

func (c *XMPPChannel) Ready() <-chan struct{} { return c.ready }

func (c *XMPPChannel) Done() <-chan struct{} { return c.done }

func (c *XMPPChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *XMPPChannel) Send(ctx context.Context, req Request) (*Reply, error) {
	select {
	case <-c.ready:
	default:
		return nil, ErrNotReady
	}

	id := uuid.New().String()
	wait := make(chan *Reply, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrChannelClosed, "%v", c.err)
	}
	c.pending[id] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(encodeIQ(id, req)); err != nil {
		c.fail(errors.Wrap(err, "writing stanza"))
		c.closeConn()
		return nil, errors.Wrapf(ErrChannelClosed, "writing stanza: %v", err)
	}

	select {
	case reply := <-wait:
		return reply, nil
	case <-c.done:
		return nil, errors.Wrapf(ErrChannelClosed, "%v", c.Err())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *XMPPChannel) Close() error {
	c.fail(ErrChannelClosed)
	return c.closeConn()
}

// Escape character data, leaving quotes alone: the hub matches holdAction
// payloads literally
var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeText(s string) string {
	return textEscaper.Replace(s)
}

func escapeAttr(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

func encodeIQ(id string, req Request) string {
	var b strings.Builder

	b.WriteString(`<iq type="`)
	b.WriteString(escapeAttr(req.Type))
	b.WriteString(`" id="`)
	b.WriteString(escapeAttr(id))
	b.WriteString(`"><oa xmlns="`)
	b.WriteString(escapeAttr(req.Namespace))
	b.WriteString(`" mime="`)
	b.WriteString(escapeAttr(req.Mime))
	b.WriteString(`">`)
	b.WriteString(escapeText(req.Payload))
	b.WriteString(`</oa></iq>`)

	return b.String()
}
