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
	"fmt"
	"strings"
)

// Factory builds a notifier from a webhook URL
type Factory struct {
	URL      string
	ProxyURL string
	Username string
	Channel  string
}

func NewFactory(URL string, proxy string, username string, channel string) *Factory {
	return &Factory{
		URL:      URL,
		ProxyURL: proxy,
		Channel:  channel,
		Username: username,
	}
}

// Notifier returns the notifier of the provider, an empty provider
// is detected from the webhook URL
func (f Factory) Notifier(provider string) (Interface, error) {
	if f.URL == "" {
		return &NopNotifier{}, nil
	}

	if provider == "" {
		switch {
		case strings.Contains(f.URL, "slack.com"):
			provider = "slack"
		case strings.Contains(f.URL, "office.com"), strings.Contains(f.URL, "office365.com"):
			provider = "msteams"
		case strings.Contains(f.URL, "discord.com"), strings.Contains(f.URL, "discordapp.com"):
			provider = "discord"
		}
	}

	var n Interface
	var err error
	switch provider {
	case "slack":
		n, err = NewSlack(f.URL, f.ProxyURL, f.Username, f.Channel)
	case "msteams":
		n, err = NewMSTeams(f.URL, f.ProxyURL)
	case "discord":
		n, err = NewDiscord(f.URL, f.ProxyURL, f.Username)
	default:
		err = fmt.Errorf("provider %s not supported", provider)
	}

	if err != nil {
		n = nil
	}
	return n, err
}
