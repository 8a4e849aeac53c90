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

func TestDiscord_Post(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var payload = DiscordPayload{}
		err = json.Unmarshal(b, &payload)
		require.NoError(t, err)

		assert.Equal(t, "/api/webhooks/1/token", r.URL.Path)
		assert.Equal(t, "trafficrouter", payload.Username)
		require.Len(t, payload.Embeds, 1)
		embed := payload.Embeds[0]
		assert.Equal(t, "podinfo.test Inherit succeeded", embed.Title)
		assert.Equal(t, "Traffic routing Inherit succeeded", embed.Description)
		assert.Equal(t, discordGreen, embed.Color)
		require.Len(t, embed.Fields, 3)
		assert.Equal(t, DiscordEmbedField{Name: "Routing", Value: "podinfo 80%, podinfo-canary 20%", Inline: true}, embed.Fields[2])
		require.NotNil(t, embed.Footer)
		assert.Equal(t, "execution e3f1", embed.Footer.Text)
	}))
	defer ts.Close()

	discord, err := NewDiscord(ts.URL+"/api/webhooks/1/token", "", "trafficrouter")
	require.NoError(t, err)

	err = discord.Post(routedEvent())
	require.NoError(t, err)
}

func TestDiscord_PostFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload = DiscordPayload{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Embeds, 1)
		assert.Equal(t, discordRed, payload.Embeds[0].Color)
		assert.Equal(t, []DiscordEmbedField{{Name: "Hint", Value: "check your Traffic Routing configuration"}}, payload.Embeds[0].Fields)
		assert.Nil(t, payload.Embeds[0].Footer)
	}))
	defer ts.Close()

	discord, err := NewDiscord(ts.URL, "", "trafficrouter")
	require.NoError(t, err)

	err = discord.Post(Event{Release: "podinfo", Namespace: "test", Hint: "check your Traffic Routing configuration", Severity: SeverityError})
	require.NoError(t, err)
}

func TestNewDiscord_Validation(t *testing.T) {
	_, err := NewDiscord("not a url", "", "trafficrouter")
	require.Error(t, err)

	_, err = NewDiscord("https://discord.com/api/webhooks/1/token", "", "")
	require.Error(t, err)
}
