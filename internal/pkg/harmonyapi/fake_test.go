package harmonyapi

import (
	"context"
	"errors"
	"sync"
)

// fakeChannel records requests and answers them from a script
type fakeChannel struct {
	mu      sync.Mutex
	ready   chan struct{}
	done    chan struct{}
	err     error
	sent    []Request
	replies []*Reply
	sendErr error
	block   bool
	closed  bool
}

func newFakeChannel(replies ...*Reply) *fakeChannel {
	f := &fakeChannel{
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		replies: replies,
	}
	close(f.ready)
	return f
}

func (f *fakeChannel) Ready() <-chan struct{} { return f.ready }
func (f *fakeChannel) Done() <-chan struct{}  { return f.done }

func (f *fakeChannel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) Send(ctx context.Context, req Request) (*Reply, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	block, sendErr := f.block, f.sendErr
	var reply *Reply
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if sendErr != nil {
		return nil, sendErr
	}
	if reply == nil {
		return &Reply{}, nil
	}
	return reply, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		if f.err == nil {
			f.err = errors.New("closed")
			close(f.done)
		}
	}
	return nil
}

func (f *fakeChannel) requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.sent...)
}

func okReply(text string) *Reply {
	return codeReply("200", text)
}

func codeReply(code string, text string) *Reply {
	return &Reply{
		Type: "result",
		Elements: []Element{
			{Name: "oa", Attrs: map[string]string{"errorcode": code}, Text: text},
		},
	}
}

func dialerFor(ch Channel) Dialer {
	return func(ctx context.Context, address string, credential string) (Channel, error) {
		return ch, nil
	}
}

// a client already connected to ch
func connectedClient(ch Channel) *Live {
	c := NewLiveClient().WithDialer(dialerFor(ch))
	if err := c.Connect("hub:5222", "token"); err != nil {
		panic(err)
	}
	return c
}
