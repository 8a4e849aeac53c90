/*
Copyright 2020 The Flux authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notifier

import (
	"errors"
	"fmt"
	"net/url"
)

// Slack holds the hook URL
type Slack struct {
	URL      string
	ProxyURL string
	Username string
	Channel  string
}

// SlackPayload holds the channel and attachments
type SlackPayload struct {
	Channel     string            `json:"channel"`
	Username    string            `json:"username"`
	IconEmoji   string            `json:"icon_emoji"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment holds the routing outcome of a release
type SlackAttachment struct {
	Color    string       `json:"color"`
	Title    string       `json:"title"`
	Text     string       `json:"text"`
	Footer   string       `json:"footer,omitempty"`
	MrkdwnIn []string     `json:"mrkdwn_in"`
	Fields   []SlackField `json:"fields"`
	Fallback string       `json:"fallback"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlack validates the Slack URL and returns a Slack object
func NewSlack(hookURL string, proxyURL string, username string, channel string) (*Slack, error) {
	_, err := url.ParseRequestURI(hookURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Slack hook URL %s", hookURL)
	}

	if username == "" {
		return nil, errors.New("empty Slack username")
	}

	if channel == "" {
		return nil, errors.New("empty Slack channel")
	}

	return &Slack{
		Channel:  channel,
		URL:      hookURL,
		ProxyURL: proxyURL,
		Username: username,
	}, nil
}

// Post Slack message
func (s *Slack) Post(event Event) error {
	payload := SlackPayload{
		Channel:     s.Channel,
		Username:    s.Username,
		IconEmoji:   ":twisted_rightwards_arrows:",
		Attachments: []SlackAttachment{slackAttachment(event)},
	}

	err := postMessage(s.URL, s.ProxyURL, payload)
	if err != nil {
		return fmt.Errorf("postMessage failed: %w", err)
	}
	return nil
}

func slackAttachment(event Event) SlackAttachment {
	color := "good"
	if event.Severity == SeverityError {
		color = "danger"
	}

	var fields []SlackField
	for _, f := range event.Fields() {
		// provider and routing fit side by side
		short := f.Name == "Provider" || f.Name == "Routing"
		fields = append(fields, SlackField{Title: f.Name, Value: f.Value, Short: short})
	}

	attachment := SlackAttachment{
		Color:    color,
		Title:    event.Title(),
		Text:     event.Message,
		MrkdwnIn: []string{"text"},
		Fields:   fields,
		Fallback: fmt.Sprintf("%s: %s", event.Title(), event.Message),
	}
	if event.ExecutionID != "" {
		attachment.Footer = "execution " + event.ExecutionID
	}
	return attachment
}
