package smb

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPad8(t *testing.T) {
	assert.Equal(t, 0, Pad8(0))
	assert.Equal(t, 5, Pad8(3))
	assert.Equal(t, 0, Pad8(64))
	assert.Equal(t, 7, Pad8(65))
}

func TestCreditCost(t *testing.T) {
	assert.Equal(t, uint16(1), CreditCost(0))
	assert.Equal(t, uint16(1), CreditCost(1))
	assert.Equal(t, uint16(1), CreditCost(65536))
	assert.Equal(t, uint16(2), CreditCost(65537))
	assert.Equal(t, uint16(16), CreditCost(1024*1024))
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		CreditCharge: 2,
		Command:      CommandRead,
		Credits:      64,
		Flags:        SMB2_FLAGS_DFS_OPERATIONS,
		MessageID:    42,
		TreeID:       5,
		SessionID:    0xdeadbeef,
	}
	buf := make([]byte, 8+HeaderSize)
	n, err := EncodeHeader(&h, buf, 8)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize, n)
	assert.Equal(t, "fe534d42", hex.EncodeToString(buf[8:12]))

	got, n, err := DecodeHeader(buf, 8)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize, n)
	assert.Equal(t, h, got)

	// Async headers carry an async id instead of the tree id.
	h.Flags |= SMB2_FLAGS_ASYNC_COMMAND | SMB2_FLAGS_SERVER_TO_REDIR
	h.AsyncID = 0x0102030405060708
	h.TreeID = 0
	_, err = EncodeHeader(&h, buf, 0)
	require.NoError(t, err)
	got, _, err = DecodeHeader(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, got.IsAsync())
	assert.True(t, got.IsResponse())
}

func TestDecodeHeaderErrors(t *testing.T) {
	buf := make([]byte, HeaderSize)
	_, _, err := DecodeHeader(buf, 0)
	var decErr *ProtocolDecodingError
	assert.True(t, errors.As(err, &decErr))

	h := Header{Command: CommandEcho, NextCommand: 12}
	_, err = EncodeHeader(&h, buf, 0)
	require.NoError(t, err)
	_, _, err = DecodeHeader(buf, 0)
	assert.True(t, errors.As(err, &decErr))

	_, _, err = DecodeHeader(buf[:10], 0)
	assert.True(t, errors.As(err, &decErr))
}

func TestMessageRoundTrip(t *testing.T) {
	bodies := []Body{
		NewSessionSetupReq([]byte{1, 2, 3}),
		NewTreeConnectReq(`\\srv\IPC$`),
		NewCreateReq("lsarpc"),
		NewCloseReq(FileID{1, 2, 3}),
		NewReadReq(FileID{4}, 4280, 0),
		NewWriteReq(FileID{5}, []byte("payload"), 0),
		NewIoCtlReq(FsctlPipeTransceive, FileID{6}, []byte{9, 9}, 4280),
		NewEchoReq(),
		NewLogoffReq(),
		NewTreeDisconnectReq(),
		NewCancelReq(),
	}
	for _, b := range bodies {
		m := NewMessage(b)
		m.Header.MessageID = 3
		buf, err := EncodeMessage(m)
		require.NoError(t, err)
		assert.Equal(t, requestSizes[b.Command()], le.Uint16(buf[HeaderSize:]), "command %d", b.Command())

		got, err := DecodeMessage(buf)
		require.NoError(t, err, "command %d", b.Command())
		assert.Equal(t, m.Header, got.Header)
		assert.IsType(t, b, got.Body)
		again, err := EncodeMessage(got)
		require.NoError(t, err)
		assert.Equal(t, buf, again, "command %d", b.Command())
	}
}

func TestIoCtlInputOffset(t *testing.T) {
	buf, err := EncodeMessage(NewMessage(NewIoCtlReq(FsctlPipeTransceive, FileID{}, []byte{1}, 4280)))
	require.NoError(t, err)
	assert.Equal(t, uint32(120), le.Uint32(buf[HeaderSize+24:]))
	assert.Len(t, buf, 121)
}

func TestDecodeResponses(t *testing.T) {
	res := &Message{
		Header: Header{Command: CommandRead, Flags: SMB2_FLAGS_SERVER_TO_REDIR, MessageID: 9},
		Body:   &ReadRes{StructureSize: 17, Data: []byte("hello")},
	}
	buf, err := EncodeMessage(res)
	require.NoError(t, err)
	assert.Equal(t, byte(80), buf[HeaderSize+2])
	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Body.(*ReadRes).Data)

	// Error responses decode as ErrorRes.
	errRes := &Message{
		Header: Header{Command: CommandCreate, Flags: SMB2_FLAGS_SERVER_TO_REDIR, Status: StatusAccessDenied},
		Body:   &ErrorRes{StructureSize: 9},
	}
	buf, err = EncodeMessage(errRes)
	require.NoError(t, err)
	got, err = DecodeMessage(buf)
	require.NoError(t, err)
	assert.IsType(t, &ErrorRes{}, got.Body)
	assert.True(t, IsStatus(got.Err(), StatusAccessDenied))

	// A session setup continuation is not an error body.
	cont := &Message{
		Header: Header{Command: CommandSessionSetup, Flags: SMB2_FLAGS_SERVER_TO_REDIR, Status: StatusMoreProcessingRequired},
		Body:   &SessionSetupRes{StructureSize: 9, SecurityBlob: []byte{0xa1}},
	}
	buf, err = EncodeMessage(cont)
	require.NoError(t, err)
	got, err = DecodeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xa1}, got.Body.(*SessionSetupRes).SecurityBlob)
	assert.NoError(t, got.Err(StatusMoreProcessingRequired))

	// Interim responses have no body.
	interim := &Message{Header: Header{
		Command: CommandIOCtl,
		Flags:   SMB2_FLAGS_SERVER_TO_REDIR | SMB2_FLAGS_ASYNC_COMMAND,
		Status:  StatusPending,
		AsyncID: 77,
	}}
	buf, err = EncodeMessage(interim)
	require.NoError(t, err)
	got, err = DecodeMessage(buf)
	require.NoError(t, err)
	assert.Nil(t, got.Body)
	assert.Equal(t, uint64(77), got.Header.AsyncID)
}

func TestDecodeWrongStructureSize(t *testing.T) {
	m := NewMessage(&EchoRes{StructureSize: 6})
	m.Header.Flags = SMB2_FLAGS_SERVER_TO_REDIR
	buf, err := EncodeMessage(m)
	require.NoError(t, err)
	_, err = DecodeMessage(buf)
	var decErr *ProtocolDecodingError
	assert.True(t, errors.As(err, &decErr))
}

func TestDecodeTruncatedBody(t *testing.T) {
	m := NewMessage(NewTreeConnectReq(`\\srv\share`))
	buf, err := EncodeMessage(m)
	require.NoError(t, err)
	_, err = DecodeMessage(buf[:len(buf)-4])
	var decErr *ProtocolDecodingError
	assert.True(t, errors.As(err, &decErr))
}

func TestCompound(t *testing.T) {
	create := NewMessage(NewCreateReq("srvsvc"))
	create.Header.SessionID = 11
	create.Header.TreeID = 3
	write := NewMessage(NewWriteReq(FileID{}, []byte("abc"), 0))
	read := NewMessage(NewReadReq(FileID{}, 1024, 0))
	c := Chain(create, write, read)

	parts, err := c.Encode()
	require.NoError(t, err)
	require.Len(t, parts, 3)
	for i, p := range parts[:2] {
		assert.Zero(t, len(p)%8, "member %d", i)
		assert.Equal(t, uint32(len(p)), le.Uint32(p[20:24]))
	}
	assert.Zero(t, le.Uint32(parts[2][20:24]))

	var joined []byte
	for _, p := range parts {
		joined = append(joined, p...)
	}
	split, err := SplitCompound(joined)
	require.NoError(t, err)
	require.Len(t, split, 3)
	for i, p := range split {
		assert.Equal(t, parts[i], p)
		h, _, err := DecodeHeader(p, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(11), h.SessionID)
		assert.Equal(t, uint32(3), h.TreeID)
		assert.Equal(t, i > 0, h.IsRelated())
	}

	tail, err := c.Split(1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 2, tail.Len())
	assert.False(t, tail.Head().Header.IsRelated())
	assert.Equal(t, uint64(11), tail.Head().Header.SessionID)
	_, err = c.Split(1)
	assert.Error(t, err)
}

func TestSplitCompoundErrors(t *testing.T) {
	a, err := EncodeMessage(NewMessage(NewEchoReq()))
	require.NoError(t, err)
	b := append([]byte(nil), a...)

	bad := append(append([]byte(nil), a...), make([]byte, 4)...)
	le.PutUint32(bad[20:24], 68)
	bad = append(bad, b...)
	_, err = SplitCompound(bad)
	var decErr *ProtocolDecodingError
	assert.True(t, errors.As(err, &decErr))

	outOfBounds := append([]byte(nil), a...)
	le.PutUint32(outOfBounds[20:24], 4096)
	_, err = SplitCompound(outOfBounds)
	assert.True(t, errors.As(err, &decErr))

	_, err = SplitCompound(a[:40])
	assert.True(t, errors.As(err, &decErr))
}
