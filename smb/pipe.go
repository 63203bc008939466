// MIT License
//
// # Copyright (c) 2023 Jimmy Fjällid
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
package smb

import (
	"context"
)

// Pipe is an open named pipe on IPC$. It moves whole RPC fragments; a
// fragment larger than one transceive is continued with ReadFragment.
type Pipe struct {
	s      *Session
	name   string
	treeID uint32
	fid    FileID
	// MaxFragment bounds the output of a single read or transceive.
	MaxFragment uint32
}

const defaultPipeFragment = 4280

func (p *Pipe) Name() string { return p.name }

func (p *Pipe) maxOut() uint32 {
	if p.MaxFragment != 0 {
		return p.MaxFragment
	}
	return defaultPipeFragment
}

// Transceive writes in and returns the first part of the reply. A reply that
// did not fit is signalled by STATUS_BUFFER_OVERFLOW and the remainder has to
// be read with ReadFragment.
func (p *Pipe) Transceive(ctx context.Context, in []byte) (out []byte, more bool, err error) {
	res, err := p.s.send(ctx, p.treeID, NewIoCtlReq(FsctlPipeTransceive, p.fid, in, p.maxOut()))
	if err != nil {
		return nil, false, err
	}
	if err := res.Err(StatusBufferOverflow); err != nil {
		return nil, false, err
	}
	body, ok := res.Body.(*IoCtlRes)
	if !ok {
		return nil, false, decodingError(nil, "unexpected ioctl body %T", res.Body)
	}
	return body.Output, res.Header.Status == StatusBufferOverflow, nil
}

// WriteFragment writes one fragment to the pipe.
func (p *Pipe) WriteFragment(ctx context.Context, frag []byte) error {
	res, err := p.s.send(ctx, p.treeID, NewWriteReq(p.fid, frag, 0))
	if err != nil {
		return err
	}
	return res.Err()
}

// ReadFragment reads up to the pipe's fragment size. more reports that the
// current message has bytes left.
func (p *Pipe) ReadFragment(ctx context.Context) (data []byte, more bool, err error) {
	res, err := p.s.send(ctx, p.treeID, NewReadReq(p.fid, p.maxOut(), 0))
	if err != nil {
		return nil, false, err
	}
	if err := res.Err(StatusBufferOverflow); err != nil {
		return nil, false, err
	}
	body, ok := res.Body.(*ReadRes)
	if !ok {
		return nil, false, decodingError(nil, "unexpected read body %T", res.Body)
	}
	return body.Data, res.Header.Status == StatusBufferOverflow, nil
}

// MS-FSCC 2.3.46 FSCTL_PIPE_PEEK reply
type pipePeekRes struct {
	NamedPipeState    uint32
	ReadDataAvailable uint32
	NumberOfMessages  uint32
	MessageLength     uint32
}

// Peek returns the number of bytes available to read without consuming them.
func (p *Pipe) Peek(ctx context.Context) (uint32, error) {
	res, err := p.s.send(ctx, p.treeID, NewIoCtlReq(FsctlPipePeek, p.fid, nil, 16))
	if err != nil {
		return 0, err
	}
	if err := res.Err(StatusBufferOverflow); err != nil {
		return 0, err
	}
	body, ok := res.Body.(*IoCtlRes)
	if !ok {
		return 0, decodingError(nil, "unexpected ioctl body %T", res.Body)
	}
	if len(body.Output) < 8 {
		return 0, decodingError(nil, "short pipe peek reply of %d bytes", len(body.Output))
	}
	return le.Uint32(body.Output[4:8]), nil
}

func (p *Pipe) Close(ctx context.Context) error {
	res, err := p.s.send(ctx, p.treeID, NewCloseReq(p.fid))
	if err != nil {
		return err
	}
	return res.Err()
}
