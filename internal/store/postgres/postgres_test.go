package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueryTimeoutNormalization(t *testing.T) {
	assert.Equal(t, defaultQueryTimeout, queryTimeout(0),
		"zero must not produce instantly-expired query contexts")
	assert.Equal(t, defaultQueryTimeout, queryTimeout(-time.Second))
	assert.Equal(t, 2*time.Second, queryTimeout(2*time.Second))
}

func TestReposDefaultsTimeout(t *testing.T) {
	st := Repos(nil, 0)
	assert.Equal(t, defaultQueryTimeout, st.Publishes.(*publishRepo).timeout)
	assert.Equal(t, defaultQueryTimeout, st.Fingerprints.(*fingerprintRepo).timeout)
	assert.Equal(t, defaultQueryTimeout, st.Health.(*healthRepo).timeout)
}

func TestDocumentVersionRoundTrip(t *testing.T) {
	type doc struct {
		Version int64  `json:"version"`
		Payload string `json:"payload"`
	}

	v, err := extractVersion(&doc{Version: 3, Payload: "x"})
	assert.NoError(t, err)
	assert.Equal(t, int64(3), v)

	body, err := bumpVersion(&doc{Version: 3, Payload: "x"}, 4)
	assert.NoError(t, err)
	assert.Contains(t, string(body), `"version":4`)
	assert.Contains(t, string(body), `"payload":"x"`)
}
