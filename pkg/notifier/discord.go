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

// Discord posts embeds to a channel webhook
type Discord struct {
	URL      string
	ProxyURL string
	Username string
}

// DiscordPayload is the body of a webhook execution
type DiscordPayload struct {
	Username string         `json:"username"`
	Embeds   []DiscordEmbed `json:"embeds"`
}

// DiscordEmbed holds the routing outcome of a release
type DiscordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color"`
	Fields      []DiscordEmbedField `json:"fields,omitempty"`
	Footer      *DiscordEmbedFooter `json:"footer,omitempty"`
}

type DiscordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type DiscordEmbedFooter struct {
	Text string `json:"text"`
}

const (
	discordGreen = 0x2DC72D
	discordRed   = 0xFF0000
)

func NewDiscord(hookURL string, proxyURL string, username string) (*Discord, error) {
	if _, err := url.ParseRequestURI(hookURL); err != nil {
		return nil, fmt.Errorf("invalid Discord hook URL %s", hookURL)
	}

	if username == "" {
		return nil, errors.New("empty Discord username")
	}

	return &Discord{
		URL:      hookURL,
		ProxyURL: proxyURL,
		Username: username,
	}, nil
}

func (s *Discord) Post(event Event) error {
	embed := DiscordEmbed{
		Title:       event.Title(),
		Description: event.Message,
		Color:       discordGreen,
	}
	if event.Severity == SeverityError {
		embed.Color = discordRed
	}
	for _, f := range event.Fields() {
		embed.Fields = append(embed.Fields, DiscordEmbedField{Name: f.Name, Value: f.Value, Inline: f.Name != "Hint"})
	}
	if event.ExecutionID != "" {
		embed.Footer = &DiscordEmbedFooter{Text: "execution " + event.ExecutionID}
	}

	payload := DiscordPayload{
		Username: s.Username,
		Embeds:   []DiscordEmbed{embed},
	}

	err := postMessage(s.URL, s.ProxyURL, payload)
	if err != nil {
		return fmt.Errorf("postMessage failed: %w", err)
	}

	return nil
}
