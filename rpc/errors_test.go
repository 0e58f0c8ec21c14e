// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openebs/mayastor-sub003/rpc"
)

type errorsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&errorsSuite{})

func (s *errorsSuite) TestErrorfFormatsMessage(c *gc.C) {
	err := rpc.Errorf(rpc.CodeNotFound, "replica %q", "r1")
	c.Check(err, gc.ErrorMatches, `replica "r1"`)
	c.Check(rpc.ErrCode(err), gc.Equals, rpc.CodeNotFound)
}

func (s *errorsSuite) TestErrCodeOfForeignError(c *gc.C) {
	c.Check(rpc.ErrCode(errors.New("boom")), gc.Equals, rpc.CodeInternal)
	c.Check(rpc.ErrCode(nil), gc.Equals, rpc.Code(""))
}

func (s *errorsSuite) TestErrCodeThroughTrace(c *gc.C) {
	err := errors.Trace(rpc.Errorf(rpc.CodeUnavailable, "gone"))
	c.Check(rpc.ErrCode(err), gc.Equals, rpc.CodeUnavailable)
	c.Check(rpc.IsUnavailable(err), jc.IsTrue)
}

func (s *errorsSuite) TestIsHelpers(c *gc.C) {
	for _, t := range []struct {
		code  rpc.Code
		check func(error) bool
	}{
		{rpc.CodeNotFound, rpc.IsNotFound},
		{rpc.CodeAlreadyExists, rpc.IsAlreadyExists},
		{rpc.CodeUnavailable, rpc.IsUnavailable},
		{rpc.CodeCancelled, rpc.IsCancelled},
		{rpc.CodeDeadlineExceeded, rpc.IsDeadlineExceeded},
		{rpc.CodeNodeOffline, rpc.IsNodeOffline},
	} {
		c.Check(t.check(rpc.Errorf(t.code, "x")), jc.IsTrue)
		c.Check(t.check(rpc.Errorf(rpc.CodeInternal, "x")), jc.IsFalse)
		c.Check(t.check(errors.New("x")), jc.IsFalse)
		c.Check(t.check(nil), jc.IsFalse)
	}
}

func (s *errorsSuite) TestGrpcStatusMapping(c *gc.C) {
	for _, t := range []struct {
		grpc codes.Code
		want rpc.Code
	}{
		{codes.NotFound, rpc.CodeNotFound},
		{codes.AlreadyExists, rpc.CodeAlreadyExists},
		{codes.Unavailable, rpc.CodeUnavailable},
		{codes.Canceled, rpc.CodeCancelled},
		{codes.DeadlineExceeded, rpc.CodeDeadlineExceeded},
		{codes.Internal, rpc.CodeInternal},
		{codes.Unknown, rpc.CodeInternal},
	} {
		err := rpc.MapGrpcError("/mayastor.Mayastor/ListPools", status.Error(t.grpc, "remote"))
		c.Check(rpc.ErrCode(err), gc.Equals, t.want, gc.Commentf("grpc code %v", t.grpc))
	}
}
