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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventRecordConstruction(t *testing.T) {
	assert := assert.New(t)

	capturedAt := time.Date(2022, 7, 1, 12, 30, 45, 123456789, time.UTC)

	// Case 0: request with a body
	{
		uut := NewEventRecord(
			"my-webhook", "POST", "/api/my-webhook", []byte(`{"x":1}`), capturedAt,
		)
		assert.Equal("my-webhook", uut.Identifier)
		assert.Equal("POST", uut.Method)
		assert.Equal("/api/my-webhook", uut.URL)
		assert.Equal(`{"x":1}`, uut.Body)
		assert.Equal(`Received: POST /api/my-webhook: {"x":1}`, uut.Summary())

		msg := uut.ToViewerMessage()
		assert.Equal(uut.Summary(), msg.Msg)
		assert.Equal("2022-07-01T12:30:45.123Z", msg.Timestamp)
		assert.Equal("POST", msg.Method)
		assert.Equal("/api/my-webhook", msg.URL)
		assert.Equal(`{"x":1}`, msg.Body)
		assert.Equal("my-webhook", msg.Identifier)
	}

	// Case 1: request without a body
	{
		uut := NewEventRecord("a/b", "GET", "/api/a/b", nil, capturedAt)
		assert.Equal("No data received. Method: GET", uut.Body)
		assert.Equal("Received: GET /api/a/b: No data received. Method: GET", uut.Summary())
		assert.Equal("a/b", uut.ToViewerMessage().Identifier)
	}

	// Case 2: non-UTC capture time is reported in UTC
	{
		zone := time.FixedZone("UTC+2", 2*60*60)
		uut := NewEventRecord("x", "PUT", "/api/x", []byte("raw"), capturedAt.In(zone))
		assert.Equal("2022-07-01T12:30:45.123Z", uut.ToViewerMessage().Timestamp)
	}
}
