package smb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformRoundTrip(t *testing.T) {
	preauth := bytes.Repeat([]byte{0x5a}, 64)
	for _, id := range []uint16{AES128GCM, AES256GCM, AES128CCM, AES256CCM} {
		sc, err := newSessionCipher(testSessionKey, DialectSmb_3_1_1, id, preauth)
		require.NoError(t, err, "cipher %d", id)
		pkt := testPacket(t)

		sealed, err := sealTransform(sc.encrypter, 0x1122334455667788, pkt)
		require.NoError(t, err)
		assert.Equal(t, ProtocolTransformHdr, string(sealed[0:4]))
		assert.Len(t, sealed, transformHeaderSize+len(pkt))
		assert.False(t, bytes.Contains(sealed, pkt[HeaderSize:]), "payload leaked in clear text")

		hdr, err := parseTransformHeader(sealed)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x1122334455667788), hdr.SessionID)
		assert.Equal(t, uint32(len(pkt)), hdr.OriginalMessageSize)

		out, err := openTransform(sc.encrypter, sealed)
		require.NoError(t, err)
		assert.Equal(t, pkt, out)

		// The other direction uses a different key.
		_, err = openTransform(sc.decrypter, sealed)
		assert.Error(t, err)
	}
}

func TestTransformRejectsTampering(t *testing.T) {
	sc, err := newSessionCipher(testSessionKey, DialectSmb_3_0, 0, nil)
	require.NoError(t, err)
	sealed, err := sealTransform(sc.encrypter, 7, testPacket(t))
	require.NoError(t, err)

	// Session id is authenticated data.
	bad := append([]byte(nil), sealed...)
	bad[44] ^= 1
	_, err = openTransform(sc.encrypter, bad)
	var pde *ProtocolDecodingError
	assert.ErrorAs(t, err, &pde)

	bad = append([]byte(nil), sealed...)
	bad[len(bad)-1] ^= 1
	_, err = openTransform(sc.encrypter, bad)
	assert.ErrorAs(t, err, &pde)

	_, err = openTransform(sc.encrypter, sealed[:transformHeaderSize-1])
	assert.ErrorAs(t, err, &pde)
}

func TestSessionCipherRequiresSMB3(t *testing.T) {
	_, err := newSessionCipher(testSessionKey, DialectSmb_2_1, AES128CCM, nil)
	assert.Error(t, err)
}

func TestCompressRoundTrip(t *testing.T) {
	m := NewMessage(NewWriteReq(FileID{1}, bytes.Repeat([]byte("smb compression "), 1024), 0))
	pkt, err := EncodeMessage(m)
	require.NoError(t, err)

	c, err := compressMessage(pkt)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ProtocolCompressionHdr, string(c[0:4]))
	assert.Less(t, len(c), len(pkt))
	// The header stays readable.
	assert.Equal(t, pkt[:HeaderSize], c[compressionHeaderSize:compressionHeaderSize+HeaderSize])

	out, err := decompressMessage(c)
	require.NoError(t, err)
	assert.Equal(t, pkt, out)
}

func TestCompressSkipsSmallMessages(t *testing.T) {
	c, err := compressMessage(testPacket(t))
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecompressRejectsMalformed(t *testing.T) {
	m := NewMessage(NewWriteReq(FileID{1}, bytes.Repeat([]byte{0xab}, 8192), 0))
	pkt, err := EncodeMessage(m)
	require.NoError(t, err)
	c, err := compressMessage(pkt)
	require.NoError(t, err)
	require.NotNil(t, c)

	var pde *ProtocolDecodingError
	_, err = decompressMessage(c[:8])
	assert.ErrorAs(t, err, &pde)

	chained := append([]byte(nil), c...)
	le.PutUint16(chained[10:12], 1)
	_, err = decompressMessage(chained)
	assert.ErrorAs(t, err, &pde)

	wrongSize := append([]byte(nil), c...)
	le.PutUint32(wrongSize[4:8], uint32(len(pkt)))
	_, err = decompressMessage(wrongSize)
	assert.ErrorAs(t, err, &pde)
}
