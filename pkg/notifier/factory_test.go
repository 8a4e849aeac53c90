package notifier

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_Notifier(t *testing.T) {
	n, err := NewFactory("", "", "", "").Notifier("")
	require.NoError(t, err)
	assert.IsType(t, &NopNotifier{}, n)

	n, err = NewFactory("https://hooks.slack.com/services/x", "", "trafficrouter", "ops").Notifier("")
	require.NoError(t, err)
	assert.IsType(t, &Slack{}, n)

	n, err = NewFactory("https://outlook.office.com/webhook/x", "", "", "").Notifier("")
	require.NoError(t, err)
	assert.IsType(t, &MSTeams{}, n)

	n, err = NewFactory("https://discord.com/api/webhooks/x", "", "trafficrouter", "ops").Notifier("")
	require.NoError(t, err)
	assert.IsType(t, &Discord{}, n)

	_, err = NewFactory("https://chat.example.com/hooks/x", "", "", "").Notifier("")
	require.Error(t, err)

	n, err = NewFactory("https://chat.example.com/hooks/x", "", "", "").Notifier("msteams")
	require.NoError(t, err)
	assert.IsType(t, &MSTeams{}, n)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (r *recordingNotifier) Post(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, event.Target()+": "+event.Message)
	return r.err
}

func TestMulti_Post(t *testing.T) {
	first := &recordingNotifier{}
	second := &recordingNotifier{}
	m := &Multi{Notifiers: []Interface{first, second, &NopNotifier{}}}

	event := Event{Release: "podinfo", Namespace: "test", Message: "done", Severity: SeverityInfo}
	err := m.Post(event)
	require.NoError(t, err)
	assert.Equal(t, []string{"podinfo.test: done"}, first.messages)
	assert.Equal(t, []string{"podinfo.test: done"}, second.messages)

	second.err = errors.New("unreachable")
	err = m.Post(event)
	require.EqualError(t, err, "unreachable")
	assert.Len(t, first.messages, 2)
}
