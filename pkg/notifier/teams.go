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
	"net/url"
)

// MSTeams holds the incoming webhook URL
type MSTeams struct {
	URL      string
	ProxyURL string
}

// MSTeamsPayload holds the message card data
type MSTeamsPayload struct {
	Type       string           `json:"@type"`
	Context    string           `json:"@context"`
	ThemeColor string           `json:"themeColor"`
	Summary    string           `json:"summary"`
	Title      string           `json:"title"`
	Text       string           `json:"text,omitempty"`
	Sections   []MSTeamsSection `json:"sections"`
}

// MSTeamsSection holds the routing resource and its weights
type MSTeamsSection struct {
	ActivityTitle    string         `json:"activityTitle"`
	ActivitySubtitle string         `json:"activitySubtitle,omitempty"`
	Facts            []MSTeamsField `json:"facts"`
	Markdown         bool           `json:"markdown"`
}

type MSTeamsField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewMSTeams validates the MS Teams URL and returns a MSTeams object
func NewMSTeams(hookURL string, proxyURL string) (*MSTeams, error) {
	_, err := url.ParseRequestURI(hookURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MS Teams webhook URL %s", hookURL)
	}

	return &MSTeams{
		URL:      hookURL,
		ProxyURL: proxyURL,
	}, nil
}

// Post MS Teams message
func (s *MSTeams) Post(event Event) error {
	fields := event.Fields()
	facts := make([]MSTeamsField, 0, len(fields)+1)
	for _, f := range fields {
		facts = append(facts, MSTeamsField(f))
	}
	if event.ExecutionID != "" {
		facts = append(facts, MSTeamsField{Name: "Execution", Value: event.ExecutionID})
	}

	themeColor := "2DC72D"
	if event.Severity == SeverityError {
		themeColor = "FF0000"
	}

	payload := MSTeamsPayload{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: themeColor,
		Summary:    event.Title(),
		Title:      event.Title(),
		Text:       event.Message,
		Sections: []MSTeamsSection{
			{
				ActivityTitle:    event.Target(),
				ActivitySubtitle: event.Routing(),
				Facts:            facts,
				Markdown:         true,
			},
		},
	}

	err := postMessage(s.URL, s.ProxyURL, payload)
	if err != nil {
		return fmt.Errorf("postMessage failed: %w", err)
	}

	return nil
}
