package flowstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreKeyPrefixing(t *testing.T) {
	s := &Store{prefix: "pylon:flow:"}
	assert.Equal(t, "pylon:flow:abc123", s.key("abc123"))
}

func TestFlowVariantsRoundTripJSON(t *testing.T) {
	approval := OAuthAppApproval{
		Kind:         KindOAuthAppApproval,
		UserID:       1,
		ClientID:     2,
		Scopes:       3,
		RedirectURIs: []string{"https://c/cb"},
		OriginalURI:  "https://c/cb",
		State:        "xyz",
	}
	payload, err := json.Marshal(approval)
	assert.NoError(t, err)

	var decoded OAuthAppApproval
	assert.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, approval, decoded)

	var kindProbe struct {
		Kind Kind `json:"kind"`
	}
	assert.NoError(t, json.Unmarshal(payload, &kindProbe))
	assert.Equal(t, KindOAuthAppApproval, kindProbe.Kind)
}

func TestTakeIfScriptRejectsOnNilAndReturnsSentinel(t *testing.T) {
	assert.Error(t, errFlowNotFound)
	assert.Contains(t, takeIfScript, "redis.call('DEL'")
	assert.Contains(t, takeIfScript, "ARGV[1]")
}
