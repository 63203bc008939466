package smb

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	sessionKey, err := hex.DecodeString("726d4c454e63516446695457664e5042")
	if err != nil {
		t.Fatal(err)
	}

	// Unsigned packet
	pkt, err := hex.DecodeString("fe534d42400001000000000001007f00090000000000000003000000000000000000000000000000020000007bfba3f4000000000000000000000000000000000900000048000900a1073005a0030a0100")
	if err != nil {
		t.Fatal(err)
	}

	// Expected signature
	signature, err := hex.DecodeString("041393e756a048c9092c4e52dc703719")
	if err != nil {
		t.Fatal(err)
	}

	s, err := NewSigningContext(DialectSmb_3_0, AES_CMAC, sessionKey, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Algorithm() != AES_CMAC {
		t.Fatalf("expected AES-CMAC, got %d", s.Algorithm())
	}

	if err := s.Sign(pkt); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(signature, pkt[48:64]) {
		t.Errorf("got signature %x", pkt[48:64])
	}

	if err := s.Verify(pkt); err != nil {
		t.Error(err)
	}
}

func testPacket(t *testing.T) []byte {
	m := NewMessage(NewTreeConnectReq(`\\server\IPC$`))
	m.Header.MessageID = 7
	m.Header.SessionID = 0x1122334455667788
	buf, err := EncodeMessage(m)
	require.NoError(t, err)
	return buf
}

func TestSigningAlgorithmSelection(t *testing.T) {
	key := []byte("0123456789abcdef")
	preauth := make([]byte, 64)
	tests := []struct {
		dialect   uint16
		requested uint16
		expected  uint16
	}{
		{DialectSmb_2_0_2, AES_GMAC, HMAC_SHA256},
		{DialectSmb_2_1, AES_CMAC, HMAC_SHA256},
		{DialectSmb_3_0, AES_GMAC, AES_CMAC},
		{DialectSmb_3_0_2, HMAC_SHA256, AES_CMAC},
		{DialectSmb_3_1_1, AES_CMAC, AES_CMAC},
		{DialectSmb_3_1_1, AES_GMAC, AES_GMAC},
	}
	for _, tt := range tests {
		s, err := NewSigningContext(tt.dialect, tt.requested, key, preauth)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, s.Algorithm(), DialectString(tt.dialect))
		assert.Len(t, s.Key(), 16)
	}
}

func TestSignIsDeterministicAndTamperEvident(t *testing.T) {
	for _, alg := range []uint16{HMAC_SHA256, AES_CMAC, AES_GMAC} {
		dialect := DialectSmb_3_1_1
		if alg == HMAC_SHA256 {
			dialect = DialectSmb_2_1
		}
		s, err := NewSigningContext(dialect, alg, []byte("0123456789abcdef"), make([]byte, 64))
		require.NoError(t, err)

		a := testPacket(t)
		b := testPacket(t)
		require.NoError(t, s.Sign(a))
		require.NoError(t, s.Sign(b))
		assert.Equal(t, a[48:64], b[48:64])
		assert.NotEqual(t, make([]byte, 16), a[48:64])
		assert.NotZero(t, le.Uint32(a[16:20])&SMB2_FLAGS_SIGNED)

		require.NoError(t, s.Verify(a))
		// Verify leaves the message untouched.
		assert.Equal(t, b, a)

		for i := HeaderSize; i < len(a); i++ {
			c := append([]byte(nil), a...)
			c[i] ^= 0x01
			err := s.Verify(c)
			var sigErr *SignatureVerificationError
			require.True(t, errors.As(err, &sigErr), "alg %d byte %d", alg, i)
			assert.Equal(t, uint64(7), sigErr.MessageID)
		}
	}
}

func TestGMACNonceSeparatesDirections(t *testing.T) {
	s, err := NewSigningContext(DialectSmb_3_1_1, AES_GMAC, []byte("0123456789abcdef"), make([]byte, 64))
	require.NoError(t, err)

	req := testPacket(t)
	res := testPacket(t)
	le.PutUint32(res[16:20], SMB2_FLAGS_SERVER_TO_REDIR)
	require.NoError(t, s.Sign(req))
	require.NoError(t, s.Sign(res))
	assert.NotEqual(t, req[48:64], res[48:64])

	nonce := gmacNonce(res)
	assert.Equal(t, []byte{7, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0}, nonce)
}

func TestDeriveKey(t *testing.T) {
	sessionKey := []byte("0123456789abcdef")
	preauth := bytes.Repeat([]byte{0xab}, 64)

	k1, err := DeriveKey(sessionKey, PurposeSigning, DialectSmb_3_0, nil, 0)
	require.NoError(t, err)
	k2, err := DeriveKey(sessionKey, PurposeSigning, DialectSmb_3_0, nil, 0)
	require.NoError(t, err)
	assert.Len(t, k1, 16)
	assert.Equal(t, k1, k2)

	k311, err := DeriveKey(sessionKey, PurposeSigning, DialectSmb_3_1_1, preauth, 0)
	require.NoError(t, err)
	assert.Len(t, k311, 16)
	assert.NotEqual(t, k1, k311)

	label, context, err := LabelAndContext(PurposeSigning, DialectSmb_3_0_2, nil)
	require.NoError(t, err)
	assert.Equal(t, "SMB2AESCMAC\x00", string(label))
	assert.Equal(t, "SmbSign\x00", string(context))

	enc, err := DeriveKey(sessionKey, PurposeEncryption, DialectSmb_3_1_1, preauth, AES256GCM)
	require.NoError(t, err)
	assert.Len(t, enc, 32)
	dec, err := DeriveKey(sessionKey, PurposeDecryption, DialectSmb_3_1_1, preauth, AES128GCM)
	require.NoError(t, err)
	assert.Len(t, dec, 16)

	_, err = DeriveKey(sessionKey, PurposeSigning, DialectSmb_3_1_1, nil, 0)
	assert.Error(t, err)

	legacy, err := DeriveKey([]byte("short"), PurposeSigning, DialectSmb_2_1, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("short"), make([]byte, 11)...), legacy)
}

func TestKdfMultipleBlocks(t *testing.T) {
	// The first 128 bits of a 256 bit output differ from a 128 bit output
	// because L is part of the PRF input.
	a := kdf([]byte("key"), []byte("label\x00"), []byte("ctx\x00"), 128)
	b := kdf([]byte("key"), []byte("label\x00"), []byte("ctx\x00"), 256)
	assert.Len(t, a, 16)
	assert.Len(t, b, 32)
	assert.NotEqual(t, a, b[:16])
}
