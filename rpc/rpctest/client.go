// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rpctest provides a stub-backed rpc.Client for tests.
package rpctest

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/juju/testing"
)

// Client records calls on the embedded Stub and answers them from
// canned replies. The method's short name (the part after the last
// slash) is used as the recorded call name so tests can assert with
// CheckCallNames.
type Client struct {
	*testing.Stub

	// Replies maps a method name to the value copied into the
	// reply argument when that method is called.
	Replies map[string]interface{}

	// ReplyFunc, when set, takes precedence over Replies.
	ReplyFunc func(method string, args, reply interface{}) error
}

// NewClient returns a Client answering from replies.
func NewClient(stub *testing.Stub, replies map[string]interface{}) *Client {
	return &Client{Stub: stub, Replies: replies}
}

// Call implements rpc.Client.
func (c *Client) Call(_ context.Context, method string, args, reply interface{}) error {
	c.AddCall(shortName(method), args)
	if err := c.NextErr(); err != nil {
		return err
	}
	if c.ReplyFunc != nil {
		return c.ReplyFunc(method, args, reply)
	}
	canned, ok := c.Replies[shortName(method)]
	if !ok {
		return nil
	}
	return CopyReply(canned, reply)
}

// Close implements rpc.Client.
func (c *Client) Close() error {
	c.AddCall("Close")
	return c.NextErr()
}

func shortName(method string) string {
	for i := len(method) - 1; i >= 0; i-- {
		if method[i] == '/' {
			return method[i+1:]
		}
	}
	return method
}

// CopyReply copies from into to by round-tripping through JSON,
// matching the production codec. Exported for ReplyFunc
// implementations that answer some methods from canned values.
func CopyReply(from, to interface{}) error {
	data, err := json.Marshal(from)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(json.Unmarshal(data, to))
}
