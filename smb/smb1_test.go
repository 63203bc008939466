package smb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMB1MessageRoundTrip(t *testing.T) {
	req := NewSMB1NegotiateReq(true)
	req.Header.MID = 4
	buf, err := req.Encode()
	require.NoError(t, err)
	assert.Equal(t, ProtocolSmb, string(buf[:4]))
	assert.Equal(t, byte(0), buf[SMB1HeaderSize])

	got, err := DecodeSMB1Message(buf)
	require.NoError(t, err)
	assert.Equal(t, req.Header, got.Header)
	assert.Equal(t, req.Data, got.Data)
	assert.Equal(t, smb1DialectNTLM, smb1DialectName(got, 0))
	assert.Equal(t, smb1DialectSMB2Wildcard, smb1DialectName(got, 2))

	_, err = DecodeSMB1Message(buf[:len(buf)-3])
	var decErr *ProtocolDecodingError
	assert.True(t, errors.As(err, &decErr))
}

func TestParseSMB1NegotiateRes(t *testing.T) {
	words := make([]byte, 34)
	words[2] = 0x0f
	le.PutUint16(words[3:], 50)
	le.PutUint32(words[7:], 16644)
	m := &SMB1Message{Header: SMB1Header{Command: SMB1CommandNegotiate}, Words: words}
	res, err := ParseSMB1NegotiateRes(m)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), res.DialectIndex)
	assert.Equal(t, uint16(50), res.MaxMpxCount)
	assert.Equal(t, uint32(16644), res.MaxBufferSize)

	_, err = ParseSMB1NegotiateRes(&SMB1Message{Header: SMB1Header{Command: SMB1CommandNegotiate}, Words: words[:4]})
	assert.Error(t, err)
}

func TestSMB1SignerSequence(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	s := NewSMB1Signer(key)

	msg, err := NewSMB1EchoReq([]byte("ping")).Encode()
	require.NoError(t, err)

	seq, err := s.Sign(msg, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, uint32(2), s.Seq())
	assert.NotZero(t, le.Uint16(msg[10:12])&SMB1Flags2SecuritySignature)

	seq, err = s.Sign(msg, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), seq)
	assert.Equal(t, uint32(3), s.Seq())

	seq, err = s.Sign(msg, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), seq)
	assert.Equal(t, uint32(5), s.Seq())
}

func TestSMB1SignerVerify(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	client := NewSMB1Signer(key)
	server := NewSMB1Signer(key)

	req, err := NewSMB1EchoReq([]byte("ping")).Encode()
	require.NoError(t, err)
	respSeq, err := client.Sign(req, false)
	require.NoError(t, err)

	// The server checks the request with the same sequence number.
	require.NoError(t, server.Verify(req, 0))

	res := append([]byte(nil), req...)
	res[9] |= smb1FlagsReply
	copy(res[smb1SignatureOff:], server.mac(res, respSeq))
	assert.NoError(t, client.Verify(res, respSeq))

	err = client.Verify(res, respSeq+2)
	var sigErr *SignatureVerificationError
	assert.True(t, errors.As(err, &sigErr))

	res[len(res)-1] ^= 0xff
	assert.Error(t, client.Verify(res, respSeq))

	// A reply without the signature flag fails even with a valid MAC.
	unsigned := append([]byte(nil), req...)
	unsigned[9] |= smb1FlagsReply
	le.PutUint16(unsigned[10:12], le.Uint16(unsigned[10:12])&^SMB1Flags2SecuritySignature)
	copy(unsigned[smb1SignatureOff:], server.mac(unsigned, respSeq))
	assert.True(t, errors.As(client.Verify(unsigned, respSeq), &sigErr))
}

func TestSMB1UnsignedReplyRejected(t *testing.T) {
	tr, err := NewTransport(Options{Host: "fileserver"})
	require.NoError(t, err)
	tr.EnableSMB1Signing([]byte("0123456789abcdef0123456789abcdef"))

	reply := NewSMB1EchoReq([]byte("pong"))
	reply.Header.MID = 7
	reply.Header.Flags |= smb1FlagsReply
	raw, err := reply.Encode()
	require.NoError(t, err)
	require.Zero(t, le.Uint16(raw[10:12])&SMB1Flags2SecuritySignature)

	slot := newPendingSlot(7, uint16(SMB1CommandEcho), 0, time.Second)
	tr.pending.set(slot)
	tr.handleSMB1(raw)

	r := <-slot.ch
	assert.Nil(t, r.smb1)
	var sigErr *SignatureVerificationError
	assert.True(t, errors.As(r.err, &sigErr))
}

func TestSMB1SignerBypass(t *testing.T) {
	s := NewSMB1Signer([]byte("key"))
	s.Bypass()
	msg, err := NewSMB1EchoReq(nil).Encode()
	require.NoError(t, err)
	_, err = s.Sign(msg, false)
	require.NoError(t, err)
	assert.Equal(t, "BSRSPYL ", string(msg[14:22]))
	assert.Equal(t, uint32(2), s.Seq())

	// Only once.
	_, err = s.Sign(msg, false)
	require.NoError(t, err)
	assert.NotEqual(t, "BSRSPYL ", string(msg[14:22]))
}

func TestSendRecvSMB1RequiresConnection(t *testing.T) {
	tr, err := NewTransport(Options{Host: "fileserver"})
	require.NoError(t, err)
	_, err = tr.SendRecvSMB1(context.Background(), NewSMB1EchoReq(nil))
	assert.ErrorIs(t, err, ErrNotConnected)
}
