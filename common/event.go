// Copyright 2022 The hookwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"time"
)

// ViewerTimestampFormat is the timestamp layout used in viewer messages
const ViewerTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// EventRecord describes one captured inbound request.
//
// A record is built once per request and passed by value, so every viewer
// receiving it observes the same field values.
type EventRecord struct {
	// Identifier is the channel the request was addressed to
	Identifier string `json:"identifier" validate:"required"`
	// Timestamp is the server time the request was captured
	Timestamp time.Time `json:"timestamp"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method" validate:"required"`
	// URL is the full request path, including the identifier
	URL string `json:"url" validate:"required"`
	// Body is the request body as text, or a placeholder if there was none
	Body string `json:"body"`
}

// EmptyBodyPlaceholder returns the body text recorded for a request without a body
func EmptyBodyPlaceholder(method string) string {
	return fmt.Sprintf("No data received. Method: %s", method)
}

// NewEventRecord define a new EventRecord
func NewEventRecord(
	identifier, method, url string, body []byte, capturedAt time.Time,
) EventRecord {
	text := string(body)
	if len(body) == 0 {
		text = EmptyBodyPlaceholder(method)
	}
	return EventRecord{
		Identifier: identifier,
		Timestamp:  capturedAt,
		Method:     method,
		URL:        url,
		Body:       text,
	}
}

// Summary is the human-readable one line description of the event
func (e EventRecord) Summary() string {
	return fmt.Sprintf("Received: %s %s: %s", e.Method, e.URL, e.Body)
}

// String toString function
func (e EventRecord) String() string {
	return fmt.Sprintf(
		"EVENT[%s %s @ %s]", e.Method, e.URL, e.Timestamp.Format(time.RFC3339Nano),
	)
}

// ViewerMessage is the wire form of an EventRecord sent to viewers
type ViewerMessage struct {
	Msg        string `json:"msg"`
	Timestamp  string `json:"timestamp"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Body       string `json:"body,omitempty"`
	Identifier string `json:"url_string"`
}

// ToViewerMessage convert the event into its viewer wire form
func (e EventRecord) ToViewerMessage() ViewerMessage {
	return ViewerMessage{
		Msg:        e.Summary(),
		Timestamp:  e.Timestamp.UTC().Format(ViewerTimestampFormat),
		Method:     e.Method,
		URL:        e.URL,
		Body:       e.Body,
		Identifier: e.Identifier,
	}
}

// JoinRequest is the message a viewer sends to subscribe to an identifier
type JoinRequest struct {
	Identifier string `json:"url_string" validate:"required"`
}
