package ntlmssp

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rc4"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/encoder"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// MS-NLMP 4.2.4 NTLMv2 Authentication
func TestNTLMv2KnownAnswer(t *testing.T) {
	ntHash := Ntowfv1("Password")
	assert.Equal(t, "a4f49c406510bdcab6824ee7c30fd852", hex.EncodeToString(ntHash))

	respKey := Ntowfv2(ntHash, "User", "Domain")
	assert.Equal(t, "0c868a403bfd7a93a3001ef22ef02e3f", hex.EncodeToString(respKey))

	targetInfo := EncodeAvPairs([]AvPair{
		{AvID: MsvAvNbDomainName, Value: encoder.ToUnicode("Domain")},
		{AvID: MsvAvNbComputerName, Value: encoder.ToUnicode("Server")},
	})
	response, sessionBaseKey := ntlmv2Response(
		respKey,
		unhex(t, "0123456789abcdef"),
		unhex(t, "aaaaaaaaaaaaaaaa"),
		make([]byte, 8),
		targetInfo,
	)
	assert.Equal(t, "68cd0ab851e51c96aabc927bebef6a1c", hex.EncodeToString(response[:16]))
	assert.Equal(t, "8de40ccadbc14a82f15cb0ad0de95ca3", hex.EncodeToString(sessionBaseKey))
	assert.True(t, bytes.HasSuffix(response, make([]byte, 8)), "MsvAvEOL followed by Z(4)")
}

func TestAvPairs(t *testing.T) {
	pairs := []AvPair{
		{AvID: MsvAvNbDomainName, Value: encoder.ToUnicode("CORP")},
		{AvID: MsvAvTimestamp, Value: make([]byte, 8)},
	}
	buf := EncodeAvPairs(pairs)
	got, err := ParseAvPairs(buf)
	require.NoError(t, err)
	assert.Equal(t, pairs, got)

	_, err = ParseAvPairs(buf[:len(buf)-4])
	assert.Error(t, err, "missing MsvAvEOL")
	_, err = ParseAvPairs(buf[:6])
	assert.Error(t, err, "value exceeds buffer")
}

func TestFileTime(t *testing.T) {
	assert.Equal(t, uint64(116444736000000000), FileTime(time.Unix(0, 0)))
}

func challengeMessage(t *testing.T, flags uint32, pairs []AvPair) []byte {
	t.Helper()
	msg := Challenge{
		Header:          newHeader(TypeNtLmChallenge),
		NegotiateFlags:  flags,
		ServerChallenge: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		TargetName:      encoder.ToUnicode("CORP"),
		TargetInfo:      EncodeAvPairs(pairs),
		Version:         defaultVersion,
	}
	buf, err := encoder.Marshal(&msg)
	require.NoError(t, err)
	return buf
}

func TestClientExchange(t *testing.T) {
	c := &Client{User: "alice", Password: "Secret1", Workstation: "WS01", TargetSPN: "cifs/fileserver"}
	neg, err := c.Negotiate()
	require.NoError(t, err)
	assert.Equal(t, Signature, string(neg[:8]))
	assert.Equal(t, TypeNtLmNegotiate, le.Uint32(neg[8:12]))

	serverTime := le.AppendUint64(nil, FileTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	chall := challengeMessage(t, c.flags, []AvPair{
		{AvID: MsvAvNbDomainName, Value: encoder.ToUnicode("CORP")},
		{AvID: MsvAvTimestamp, Value: serverTime},
	})
	authMsg, err := c.Authenticate(chall)
	require.NoError(t, err)

	var auth Authenticate
	require.NoError(t, encoder.Unmarshal(authMsg, &auth))
	assert.Equal(t, TypeNtLmAuthenticate, auth.MessageType)
	user, err := encoder.FromUnicodeString(auth.UserName)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	domain, err := encoder.FromUnicodeString(auth.DomainName)
	require.NoError(t, err)
	assert.Equal(t, "CORP", domain, "domain taken from the challenge")
	assert.Equal(t, make([]byte, 24), auth.LmChallengeResponse)

	// Recompute what a server would from the password.
	respKey := Ntowfv2(Ntowfv1("Secret1"), "alice", "CORP")
	proof, blob := auth.NtChallengeResponse[:16], auth.NtChallengeResponse[16:]
	h := hmac.New(md5.New, respKey)
	h.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	h.Write(blob)
	assert.Equal(t, h.Sum(nil), proof)
	assert.Equal(t, serverTime, blob[8:16], "server timestamp is echoed")

	pairs, err := ParseAvPairs(blob[28:])
	require.NoError(t, err)
	byID := map[uint16][]byte{}
	for _, p := range pairs {
		byID[p.AvID] = p.Value
	}
	assert.Equal(t, []byte{0x02, 0, 0, 0}, byID[MsvAvFlags])
	assert.Equal(t, encoder.ToUnicode("cifs/fileserver"), byID[MsvAvTargetName])

	h = hmac.New(md5.New, respKey)
	h.Write(proof)
	baseKey := h.Sum(nil)
	rc, err := rc4.NewCipher(baseKey)
	require.NoError(t, err)
	exported := make([]byte, 16)
	rc.XORKeyStream(exported, auth.EncryptedRandomSessionKey)
	sess := c.Session()
	require.NotNil(t, sess)
	assert.Equal(t, exported, sess.SessionKey())

	mic := append([]byte(nil), authMsg[micOffset:micOffset+16]...)
	zeroed := append([]byte(nil), authMsg...)
	copy(zeroed[micOffset:micOffset+16], make([]byte, 16))
	h = hmac.New(md5.New, exported)
	h.Write(neg)
	h.Write(chall)
	h.Write(zeroed)
	assert.Equal(t, h.Sum(nil), mic)
}

func TestClientWithHash(t *testing.T) {
	c := &Client{User: "alice", Hash: Ntowfv1("Secret1"), Domain: "CORP"}
	_, err := c.Negotiate()
	require.NoError(t, err)
	_, err = c.Authenticate(challengeMessage(t, c.flags, nil))
	require.NoError(t, err)
	assert.Len(t, c.Session().SessionKey(), 16)
}

func TestClientNullSession(t *testing.T) {
	c := &Client{NullSession: true}
	neg, err := c.Negotiate()
	require.NoError(t, err)
	assert.NotZero(t, le.Uint32(neg[12:16])&FlgNegAnonymous)

	authMsg, err := c.Authenticate(challengeMessage(t, c.flags, nil))
	require.NoError(t, err)
	var auth Authenticate
	require.NoError(t, encoder.Unmarshal(authMsg, &auth))
	assert.Empty(t, auth.NtChallengeResponse)
	assert.Empty(t, auth.UserName)
	assert.Nil(t, c.Session().SessionKey())
	assert.Nil(t, c.Session().Sign([]byte("mechlist")))
}

func TestClientRejectsBadChallenge(t *testing.T) {
	c := &Client{User: "alice", Password: "x"}
	_, err := c.Authenticate(challengeMessage(t, 0, nil))
	assert.Error(t, err, "Authenticate before Negotiate")

	_, err = c.Negotiate()
	require.NoError(t, err)
	_, err = c.Authenticate(challengeMessage(t, c.flags&^FlgNegExtendedSessionSecurity, nil))
	assert.Error(t, err)

	bad := challengeMessage(t, c.flags, nil)
	bad[0] = 'X'
	_, err = c.Authenticate(bad)
	assert.Error(t, err)
}

func TestSessionSignVerify(t *testing.T) {
	key := unhex(t, "55555555555555555555555555555555")
	flags := FlgNegExtendedSessionSecurity | FlgNeg128 | FlgNegKeyExch | FlgNegSign
	client := &Session{flags: flags, sessionKey: key}
	server := &Session{flags: flags, sessionKey: key}
	require.NoError(t, client.init())
	require.NoError(t, server.init())

	msg := []byte("mechListMIC")
	sig := client.Sign(msg)
	require.Len(t, sig, 16)
	assert.Equal(t, uint32(1), le.Uint32(sig[0:4]))
	assert.Equal(t, uint32(0), le.Uint32(sig[12:16]))
	assert.Equal(t, uint32(1), le.Uint32(client.Sign(msg)[12:16]), "sequence advances")

	// A server signature uses the server to client keys.
	reply := signature(flags, server.serverHandle, server.serverSignKey, 0, msg)
	assert.NoError(t, client.Verify(reply, msg))
	reply = signature(flags, server.serverHandle, server.serverSignKey, 1, []byte("tampered"))
	assert.Error(t, client.Verify(reply, msg))
}
