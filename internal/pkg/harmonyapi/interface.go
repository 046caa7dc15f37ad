package harmonyapi

import (
	"context"
	"time"
)

// XML namespace of every action element
const actionNamespace = "connect.logitech.com"

// Activity ID the hub reports, and accepts, for "everything off"
const PowerOffActivity = -1

// Request is one outbound IQ stanza carrying a single action element
type Request struct {
	Type      string
	Namespace string
	Mime      string
	Payload   string
}

// Element is one child element of a reply stanza
type Element struct {
	Name  string
	Attrs map[string]string
	Text  string
}

// Attr returns the named attribute of the element, or "" when absent
func (e Element) Attr(name string) string {
	return e.Attrs[name]
}

// Reply is the IQ stanza the hub sent back for a Request
type Reply struct {
	ID       string
	Type     string
	Elements []Element
}

// Channel carries request/reply stanzas over a live session.  Ready is
// closed once the session is established, Done once the channel has failed
// or been closed (Err then says why).  Send blocks until the correlated
// reply arrives, the context ends or the channel fails.
type Channel interface {
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	Send(ctx context.Context, req Request) (*Reply, error)
	Close() error
}

// Dialer opens a Channel to a hub, authenticating with the session credential
type Dialer func(ctx context.Context, address string, credential string) (Channel, error)

type Harmony interface {
	WithContext(ctx context.Context) Harmony
	WithTimeout(d time.Duration) Harmony
	WithHoldDuration(d time.Duration) Harmony
	Configuration() (*Configuration, error)
	CurrentActivity() (int, error)
	StartActivity(activityID string) (string, error)
	TurnOff() (bool, error)
	SendButtonPress(command string, deviceID string) (string, error)
	Close() error
}
