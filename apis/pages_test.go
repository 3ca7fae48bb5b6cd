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

package apis

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/alwitt/hookwatch/registry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func testPagePaths() PagePaths {
	return PagePaths{
		CaptureRoot:   "/api/",
		ConsoleRoot:   "/console/",
		CreateAction:  "/create_endpoint",
		WebsocketPath: "/ws",
	}
}

func TestPageHandler(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetAPIPageHandler(testHTTPConfig(), testPagePaths())
	assert.Nil(err)

	// Case 0: home page
	{
		req, err := http.NewRequest("GET", "/", nil)
		assert.Nil(err)
		resp := httptest.NewRecorder()
		uut.HomeHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
		assert.Contains(resp.Header().Get("Content-Type"), "text/html")
		assert.Contains(resp.Body.String(), `action="/create_endpoint"`)
		assert.Contains(resp.Body.String(), `name="url_string"`)
	}

	// Case 1: create endpoint redirects to the console
	{
		form := url.Values{}
		form.Set("url_string", "my-webhook")
		req, err := http.NewRequest("POST", "/create_endpoint", strings.NewReader(form.Encode()))
		assert.Nil(err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()
		uut.CreateEndpointHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusSeeOther, resp.Code)
		assert.Equal("/console/my-webhook", resp.Header().Get("Location"))
	}

	// Case 2: identifier segments are escaped, "/" is kept
	{
		form := url.Values{}
		form.Set("url_string", "team a/hook?1")
		req, err := http.NewRequest("POST", "/create_endpoint", strings.NewReader(form.Encode()))
		assert.Nil(err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()
		uut.CreateEndpointHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusSeeOther, resp.Code)
		assert.Equal("/console/team%20a/hook%3F1", resp.Header().Get("Location"))
	}

	// Case 3: missing identifier
	{
		req, err := http.NewRequest("POST", "/create_endpoint", strings.NewReader(""))
		assert.Nil(err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()
		uut.CreateEndpointHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 4: console page embeds the identifier and the websocket path
	{
		req, err := http.NewRequest("GET", "/console/foo/bar", nil)
		assert.Nil(err)
		resp := httptest.NewRecorder()
		uut.ConsoleHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
		page := resp.Body.String()
		assert.Contains(page, "Console for foo/bar")
		assert.Regexp(`var identifier = "foo(\\)?/bar";`, page)
		assert.Contains(page, "/api/foo/bar")
		assert.Regexp(`\+ "(\\)?/ws"\)`, page)
		// Events are listed in arrival order
		assert.Contains(page, `document.getElementById("events").appendChild(item);`)
		assert.NotContains(page, "prepend(")
	}

	// Case 5: identifier is escaped in the page
	{
		req, err := http.NewRequest("GET", "/console/x", nil)
		assert.Nil(err)
		req.URL.Path = "/console/<script>alert(1)</script>"
		resp := httptest.NewRecorder()
		uut.ConsoleHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
		assert.NotContains(resp.Body.String(), "<script>alert(1)</script>")
	}

	// Case 6: console without identifier
	{
		req, err := http.NewRequest("GET", "/console/", nil)
		assert.Nil(err)
		resp := httptest.NewRecorder()
		uut.ConsoleHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	assert := assert.New(t)

	subscriptions, err := registry.GetRegistry("ut-apis", nil)
	assert.Nil(err)
	fakeRelay := &recordingRelay{}

	_, err = GetAPIRestHealthHandler(testHTTPConfig(), nil, subscriptions)
	assert.NotNil(err)

	uut, err := GetAPIRestHealthHandler(testHTTPConfig(), fakeRelay, subscriptions)
	assert.Nil(err)

	// Case 0: alive
	{
		req, err := http.NewRequest("GET", "/v1/alive", nil)
		assert.Nil(err)
		resp := httptest.NewRecorder()
		uut.AliveHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 1: not ready while the relay is not
	{
		req, err := http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)
		resp := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusInternalServerError, resp.Code)
	}

	// Case 2: ready
	{
		fakeRelay.lock.Lock()
		fakeRelay.ready = true
		fakeRelay.lock.Unlock()
		req, err := http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)
		resp := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 3: status reports counts
	{
		req, err := http.NewRequest("GET", "/v1/status", nil)
		assert.Nil(err)
		resp := httptest.NewRecorder()
		uut.StatusHandler().ServeHTTP(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespStatus
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.True(parsed.Success)
		assert.Equal(registry.RegistryStats{}, parsed.Registry)
	}
}
