package smb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/spnego"
)

func TestNewNTLMInitiator(t *testing.T) {
	_, err := NewNTLMInitiator(NTLMCredentials{Password: "x"}, "fileserver")
	assert.Error(t, err, "user name is required")

	ini, err := NewNTLMInitiator(NTLMCredentials{User: "alice", Password: "Secret1"}, "fileserver")
	require.NoError(t, err)
	tok, err := ini.InitSecContext(nil)
	require.NoError(t, err)

	neg, err := spnego.DecodeNegTokenInit(tok)
	require.NoError(t, err)
	require.Len(t, neg.Data.MechTypes, 1)
	assert.True(t, neg.Data.MechTypes[0].Equal(spnego.NtLmSSPMechTypeOid))
	assert.Equal(t, "NTLMSSP\x00", string(neg.Data.MechToken[:8]))
	assert.Nil(t, ini.SessionKey())

	_, ok := ini.(finisher)
	assert.True(t, ok)
}

func TestNewNTLMInitiatorNullSession(t *testing.T) {
	ini, err := NewNTLMInitiator(NTLMCredentials{NullSession: true}, "fileserver")
	require.NoError(t, err)
	_, err = ini.InitSecContext(nil)
	assert.NoError(t, err)
}
