package tee3

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/segmentio/ksuid"
)

// HeaderVauCid carries the channel path in the Message2 response.
const HeaderVauCid = "VAU-CID"

const maxVauCidLength = 200

var vauCidPattern = regexp.MustCompile(`^/[A-Za-z0-9/-]*$`)

// VauCid is the server assigned channel path, used as URL path for all requests on a channel.
type VauCid string

// Validate checks the length limit, the leading slash and the allowed characters.
func (c VauCid) Validate() error {
	if len(c) == 0 || len(c) > maxVauCidLength {
		return structuralError(CodeDecodingError, HeaderVauCid, fmt.Errorf("invalid length %d", len(c)))
	}
	if !vauCidPattern.MatchString(string(c)) {
		return structuralError(CodeDecodingError, HeaderVauCid, fmt.Errorf("invalid characters"))
	}
	return nil
}

func (c VauCid) String() string {
	return string(c)
}

// ParseVauCid validates s as VauCid.
func ParseVauCid(s string) (VauCid, error) {
	cid := VauCid(s)
	if err := cid.Validate(); err != nil {
		return "", err
	}
	return cid, nil
}

// NewVauCid builds /VAU/v1/<cluster>/<pod>/<channelID> with a fresh ksuid as channel ID.
func NewVauCid(cluster, pod string) (VauCid, string, error) {
	channelID := ksuid.New().String()
	cid := VauCid(strings.Join([]string{"", "VAU", "v1", cluster, pod, channelID}, "/"))
	if err := cid.Validate(); err != nil {
		return "", "", err
	}
	return cid, channelID, nil
}
