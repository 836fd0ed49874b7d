package server

import (
	"context"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the admin service.
type Client struct {
	hc   connect.HTTPClient
	base string
	opts []connect.ClientOption
}

// NewClient creates a client for the service at baseURL, for example
// "http://localhost:50052".
func NewClient(hc connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	return &Client{
		hc:   hc,
		base: strings.TrimRight(baseURL, "/"),
		opts: opts,
	}
}

// Call invokes a unary procedure. req is encoded from its JSON form and
// the response is decoded into resp unless resp is nil.
func (c *Client) Call(ctx context.Context, procedure string, req, resp any) error {
	if req == nil {
		req = Empty{}
	}
	msg, err := Encode(req)
	if err != nil {
		return err
	}
	cl := connect.NewClient[structpb.Struct, structpb.Struct](c.hc, c.base+procedure, c.opts...)
	res, err := cl.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return Decode(res.Msg, resp)
}

// Watch streams events to fn until ctx is cancelled, the server ends the
// stream or fn returns an error.
func (c *Client) Watch(ctx context.Context, req WatchRequest, fn func(EventView) error) error {
	msg, err := Encode(req)
	if err != nil {
		return err
	}
	cl := connect.NewClient[structpb.Struct, structpb.Struct](c.hc, c.base+ProcWatchEvents, c.opts...)
	stream, err := cl.CallServerStream(ctx, connect.NewRequest(msg))
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Receive() {
		var ev EventView
		if err := Decode(stream.Msg(), &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("watch events: %w", err)
	}
	return nil
}
