package notifier

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTeams_Post(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var payload = MSTeamsPayload{}
		err = json.Unmarshal(b, &payload)
		require.NoError(t, err)

		assert.Equal(t, "MessageCard", payload.Type)
		assert.Equal(t, "2DC72D", payload.ThemeColor)
		assert.Equal(t, "podinfo.test Inherit succeeded", payload.Title)
		require.Len(t, payload.Sections, 1)
		section := payload.Sections[0]
		assert.Equal(t, "podinfo.test", section.ActivityTitle)
		assert.Equal(t, "podinfo 80%, podinfo-canary 20%", section.ActivitySubtitle)
		require.Len(t, section.Facts, 4)
		assert.Equal(t, MSTeamsField{Name: "Execution", Value: "e3f1"}, section.Facts[3])
	}))
	defer ts.Close()

	teams, err := NewMSTeams(ts.URL, "")
	require.NoError(t, err)

	err = teams.Post(routedEvent())
	require.NoError(t, err)
}

func TestTeams_PostFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload = MSTeamsPayload{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "FF0000", payload.ThemeColor)
		assert.Equal(t, "podinfo.test Swap failed", payload.Summary)
	}))
	defer ts.Close()

	teams, err := NewMSTeams(ts.URL, "")
	require.NoError(t, err)

	err = teams.Post(Event{Release: "podinfo", Namespace: "test", Operation: "Swap", Severity: SeverityError})
	require.NoError(t, err)
}
