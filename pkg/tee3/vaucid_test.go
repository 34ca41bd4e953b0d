package tee3

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVauCid(t *testing.T) {
	valid := []string{"/", "/VAU/v1/cluster-a/pod-1/2mF1i6ChAy0", "/" + strings.Repeat("a", 199)}
	for _, s := range valid {
		_, err := ParseVauCid(s)
		assert.NoError(t, err, s)
	}

	invalid := []string{"", "VAU/v1", "/VAU?x=1", "/VAU/../x", "/VAU v1", "/" + strings.Repeat("a", 200), "https://host/VAU"}
	for _, s := range invalid {
		_, err := ParseVauCid(s)
		assert.Error(t, err, s)
		assert.True(t, IsKind(err, KindStructural), s)
	}
}

func TestNewVauCid(t *testing.T) {
	cid, channelID, err := NewVauCid("cluster1", "pod7")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cid.String(), "/VAU/v1/cluster1/pod7/"))
	assert.True(t, strings.HasSuffix(cid.String(), "/"+channelID))
	assert.Len(t, channelID, 27)

	other, _, err := NewVauCid("cluster1", "pod7")
	require.NoError(t, err)
	assert.NotEqual(t, cid, other)

	_, _, err = NewVauCid("bad cluster", "pod7")
	assert.Error(t, err)
}
