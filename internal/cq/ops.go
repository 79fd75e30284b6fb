package cq

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// ErrShutdown reports an operation canceled by runtime shutdown.
var ErrShutdown = errors.New("completion queue shut down")

// RPCOp is a unary request/response call. Err carries the gRPC status
// after completion; ok=false means the call was canceled by shutdown.
type RPCOp[Req, Resp proto.Message] struct {
	baseOp
	Request  Req
	Response Resp
	Err      error
	callback func(*RPCOp[Req, Resp], bool)
}

func (o *RPCOp[Req, Resp]) dispatch(ok bool) {
	if o.callback != nil {
		o.callback(o, ok)
	}
}

// AsyncRPC submits a unary call. resp must be a fresh message the call
// can unmarshal into; the callback runs on the reaper goroutine.
func AsyncRPC[Req, Resp proto.Message](
	rt *Runtime, name, method string, req Req, resp Resp,
	cb func(op *RPCOp[Req, Resp], ok bool),
) *RPCOp[Req, Resp] {
	op := &RPCOp[Req, Resp]{
		baseOp:   baseOp{name: name},
		Request:  req,
		Response: resp,
		callback: cb,
	}
	rt.register(op)
	rt.interceptor.Intercept(op, func() {
		go func() {
			err := rt.conn.Invoke(rt.ctx, method, req, resp)
			op.Err = err
			ok := rt.ctx.Err() == nil
			rt.post(op, ok)
		}()
	})
	return op
}

// RPC is the blocking form of AsyncRPC. It must not be called from the
// reaper goroutine.
func RPC[Req, Resp proto.Message](rt *Runtime, name, method string, req Req, resp Resp) error {
	done := make(chan struct{})
	var opErr error
	var canceled bool
	AsyncRPC(rt, name, method, req, resp, func(op *RPCOp[Req, Resp], ok bool) {
		opErr = op.Err
		canceled = !ok
		close(done)
	})
	<-done
	if canceled && opErr == nil {
		return fmt.Errorf("%s: %w", name, ErrShutdown)
	}
	return opErr
}

// Stream is a bidirectional stream handle shared by the stream
// operations. At most one write and one read may be outstanding at a
// time, per the underlying protocol.
type Stream[W, R proto.Message] struct {
	method string
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

// Cancel aborts the stream's context. Outstanding reads and writes on
// the stream complete with ok=false; use before Finish when a read may
// be parked on an idle stream.
func (s *Stream[W, R]) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// CreateStreamOp creates a bidirectional stream.
type CreateStreamOp[W, R proto.Message] struct {
	baseOp
	Stream   *Stream[W, R]
	Err      error
	callback func(*CreateStreamOp[W, R], bool)
}

func (o *CreateStreamOp[W, R]) dispatch(ok bool) {
	if o.callback != nil {
		o.callback(o, ok)
	}
}

// AsyncCreateRdWrStream opens a bidirectional stream for the fully
// qualified method name.
func AsyncCreateRdWrStream[W, R proto.Message](
	rt *Runtime, name, method string,
	cb func(op *CreateStreamOp[W, R], ok bool),
) *CreateStreamOp[W, R] {
	op := &CreateStreamOp[W, R]{baseOp: baseOp{name: name}, callback: cb}
	rt.register(op)
	rt.interceptor.Intercept(op, func() {
		go func() {
			ctx, cancel := context.WithCancel(rt.ctx)
			desc := &grpc.StreamDesc{
				StreamName:    method,
				ClientStreams: true,
				ServerStreams: true,
			}
			cs, err := rt.conn.NewStream(ctx, desc, method)
			if err != nil {
				cancel()
				op.Err = err
				rt.post(op, false)
				return
			}
			op.Stream = &Stream[W, R]{method: method, cs: cs, cancel: cancel}
			rt.post(op, rt.ctx.Err() == nil)
		}()
	})
	return op
}

// CreateRdWrStream is the blocking form of AsyncCreateRdWrStream.
func CreateRdWrStream[W, R proto.Message](rt *Runtime, name, method string) (*Stream[W, R], error) {
	done := make(chan struct{})
	var stream *Stream[W, R]
	var opErr error
	var canceled bool
	AsyncCreateRdWrStream(rt, name, method, func(op *CreateStreamOp[W, R], ok bool) {
		stream, opErr, canceled = op.Stream, op.Err, !ok
		close(done)
	})
	<-done
	if canceled {
		if opErr == nil {
			opErr = ErrShutdown
		}
		return nil, fmt.Errorf("%s: %w", name, opErr)
	}
	return stream, nil
}

// WriteOp writes one message on a stream.
type WriteOp[W proto.Message] struct {
	baseOp
	Request  W
	Err      error
	callback func(*WriteOp[W], bool)
}

func (o *WriteOp[W]) dispatch(ok bool) {
	if o.callback != nil {
		o.callback(o, ok)
	}
}

// AsyncWrite submits a stream write. ok=false reports a broken or
// shut-down stream.
func AsyncWrite[W, R proto.Message](
	rt *Runtime, s *Stream[W, R], name string, req W,
	cb func(op *WriteOp[W], ok bool),
) *WriteOp[W] {
	op := &WriteOp[W]{baseOp: baseOp{name: name}, Request: req, callback: cb}
	rt.register(op)
	rt.interceptor.Intercept(op, func() {
		go func() {
			err := s.cs.SendMsg(req)
			op.Err = err
			rt.post(op, err == nil)
		}()
	})
	return op
}

// ReadOp reads one message from a stream.
type ReadOp[R proto.Message] struct {
	baseOp
	Response R
	Err      error
	callback func(*ReadOp[R], bool)
}

func (o *ReadOp[R]) dispatch(ok bool) {
	if o.callback != nil {
		o.callback(o, ok)
	}
}

// AsyncRead submits a stream read into resp. ok=false reports end of
// stream, a broken stream, or shutdown.
func AsyncRead[W, R proto.Message](
	rt *Runtime, s *Stream[W, R], name string, resp R,
	cb func(op *ReadOp[R], ok bool),
) *ReadOp[R] {
	op := &ReadOp[R]{baseOp: baseOp{name: name}, Response: resp, callback: cb}
	rt.register(op)
	rt.interceptor.Intercept(op, func() {
		go func() {
			err := s.cs.RecvMsg(resp)
			op.Err = err
			rt.post(op, err == nil)
		}()
	})
	return op
}

// WritesDoneOp half-closes the write side of a stream.
type WritesDoneOp struct {
	baseOp
	Err      error
	callback func(*WritesDoneOp, bool)
}

func (o *WritesDoneOp) dispatch(ok bool) {
	if o.callback != nil {
		o.callback(o, ok)
	}
}

// AsyncWritesDone half-closes the stream's write side.
func AsyncWritesDone[W, R proto.Message](
	rt *Runtime, s *Stream[W, R], name string,
	cb func(op *WritesDoneOp, ok bool),
) *WritesDoneOp {
	op := &WritesDoneOp{baseOp: baseOp{name: name}, callback: cb}
	rt.register(op)
	rt.interceptor.Intercept(op, func() {
		go func() {
			err := s.cs.CloseSend()
			op.Err = err
			rt.post(op, err == nil)
		}()
	})
	return op
}

// WritesDone is the blocking form of AsyncWritesDone.
func WritesDone[W, R proto.Message](rt *Runtime, s *Stream[W, R], name string) error {
	done := make(chan struct{})
	var opErr error
	AsyncWritesDone(rt, s, name, func(op *WritesDoneOp, ok bool) {
		opErr = op.Err
		close(done)
	})
	<-done
	return opErr
}

// FinishOp closes a stream and captures its final status.
type FinishOp struct {
	baseOp
	Status   error
	callback func(*FinishOp, bool)
}

func (o *FinishOp) dispatch(ok bool) {
	if o.callback != nil {
		o.callback(o, ok)
	}
}

// AsyncFinish drains the stream to its terminal status. scratch is a
// throwaway message the final read unmarshals into; a clean end of
// stream yields a nil Status.
func AsyncFinish[W, R proto.Message](
	rt *Runtime, s *Stream[W, R], name string, scratch R,
	cb func(op *FinishOp, ok bool),
) *FinishOp {
	op := &FinishOp{baseOp: baseOp{name: name}, callback: cb}
	rt.register(op)
	rt.interceptor.Intercept(op, func() {
		go func() {
			err := s.cs.RecvMsg(scratch)
			if err == io.EOF {
				err = nil
			}
			op.Status = err
			s.cancel()
			rt.post(op, rt.ctx.Err() == nil)
		}()
	})
	return op
}

// Finish is the blocking form of AsyncFinish.
func Finish[W, R proto.Message](rt *Runtime, s *Stream[W, R], name string, scratch R) error {
	done := make(chan struct{})
	var status error
	AsyncFinish(rt, s, name, scratch, func(op *FinishOp, ok bool) {
		status = op.Status
		close(done)
	})
	<-done
	return status
}
