package llm

import (
	"context"
)

// Client is a model endpoint bound to one credential slot. Implementations
// translate Request and Response to the provider's wire format.
type Client interface {
	// Synchronous sends req and waits for the whole response.
	Synchronous(ctx context.Context, req *Request) (*Response, error)

	// Stream sends req and returns its events as they arrive. The caller
	// reads until Next returns false and then checks Err.
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Stream iterates over the events of a streaming response.
type Stream interface {
	// Next advances to the next event. It returns false at the end of the
	// stream or on error.
	Next() bool

	// Event returns the current event. Valid only after Next returned true.
	Event() *StreamEvent

	// Err returns the error that stopped the stream, if any.
	Err() error

	Close() error
}

// ModelInfo describes a model offered by an upstream endpoint.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// ModelLister is implemented by clients that can enumerate upstream models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// AsModelLister returns the ModelLister behind client, looking through
// middleware wrappers.
func AsModelLister(client Client) (ModelLister, bool) {
	for {
		if lister, ok := client.(ModelLister); ok {
			return lister, true
		}
		wrapped, ok := client.(*observedClient)
		if !ok {
			return nil, false
		}
		client = wrapped.client
	}
}

// Middleware observes or rewrites synchronous model calls.
type Middleware interface {
	// BeforeRequest may replace req or abort the call with an error.
	BeforeRequest(ctx context.Context, req *Request) (*Request, error)

	// AfterResponse may replace resp or turn it into an error.
	AfterResponse(ctx context.Context, req *Request, resp *Response) (*Response, error)

	// OnError may replace err. Returning nil keeps err.
	OnError(ctx context.Context, req *Request, err error) error
}

// StreamMiddleware is the streaming counterpart of Middleware. A Middleware
// that also implements it sees streamed calls.
type StreamMiddleware interface {
	BeforeStream(ctx context.Context, req *Request) (*Request, error)

	// OnStreamEvent may replace event, drop it by returning nil, or stop the
	// stream with an error.
	OnStreamEvent(ctx context.Context, req *Request, event *StreamEvent) (*StreamEvent, error)

	// OnStreamError may replace err. Returning nil keeps err.
	OnStreamError(ctx context.Context, req *Request, err error) error
}

// WrapWithMiddleware returns client with mw applied in order on the way in
// and in reverse order on the way out.
func WrapWithMiddleware(client Client, mw ...Middleware) Client {
	if len(mw) == 0 {
		return client
	}
	c := &observedClient{client: client, mw: mw}
	for _, m := range mw {
		if sm, ok := m.(StreamMiddleware); ok {
			c.streamMW = append(c.streamMW, sm)
		}
	}
	return c
}

type observedClient struct {
	client   Client
	mw       []Middleware
	streamMW []StreamMiddleware
}

func (c *observedClient) Synchronous(ctx context.Context, req *Request) (*Response, error) {
	var err error
	for _, m := range c.mw {
		if req, err = m.BeforeRequest(ctx, req); err != nil {
			return nil, err
		}
	}

	resp, err := c.client.Synchronous(ctx, req)
	if err != nil {
		for _, m := range c.mw {
			err = keepErr(err, m.OnError(ctx, req, err))
		}
		return nil, err
	}

	for i := len(c.mw) - 1; i >= 0; i-- {
		if resp, err = c.mw[i].AfterResponse(ctx, req, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *observedClient) Stream(ctx context.Context, req *Request) (Stream, error) {
	var err error
	for _, m := range c.streamMW {
		if req, err = m.BeforeStream(ctx, req); err != nil {
			return nil, err
		}
	}

	inner, err := c.client.Stream(ctx, req)
	if err != nil {
		return nil, c.streamErr(ctx, req, err)
	}
	return &observedStream{Stream: inner, client: c, ctx: ctx, req: req}, nil
}

func (c *observedClient) streamErr(ctx context.Context, req *Request, err error) error {
	for _, m := range c.streamMW {
		err = keepErr(err, m.OnStreamError(ctx, req, err))
	}
	return err
}

func keepErr(current, replacement error) error {
	if replacement != nil {
		return replacement
	}
	return current
}

// observedStream runs each event through the client's stream middleware.
// Its Close is the inner stream's.
type observedStream struct {
	Stream
	client *observedClient
	ctx    context.Context
	req    *Request
	event  *StreamEvent
	err    error
}

func (s *observedStream) Next() bool {
	for s.err == nil && s.Stream.Next() {
		event := s.Stream.Event()
		for _, m := range s.client.streamMW {
			if event == nil {
				break
			}
			var err error
			if event, err = m.OnStreamEvent(s.ctx, s.req, event); err != nil {
				s.err = err
				return false
			}
		}
		if event != nil {
			s.event = event
			return true
		}
	}
	return false
}

func (s *observedStream) Event() *StreamEvent {
	return s.event
}

func (s *observedStream) Err() error {
	if s.err != nil {
		return s.err
	}
	if err := s.Stream.Err(); err != nil {
		s.err = s.client.streamErr(s.ctx, s.req, err)
	}
	return s.err
}

var (
	_ Client = (*observedClient)(nil)
	_ Stream = (*observedStream)(nil)
)
