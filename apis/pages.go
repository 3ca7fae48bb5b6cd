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
	"bytes"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/apex/log"
)

const homePageTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>hookwatch</title></head>
<body>
<h1>hookwatch</h1>
<p>Pick an identifier. Requests sent to <code>{{.CaptureRoot}}&lt;identifier&gt;</code> show up live on its console.</p>
<form method="post" action="{{.CreateAction}}">
<input type="text" name="url_string" placeholder="my-webhook" required>
<button type="submit">Create endpoint</button>
</form>
</body>
</html>
`

const consolePageTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>hookwatch: {{.Identifier}}</title></head>
<body>
<h1>Console for {{.Identifier}}</h1>
<p>Send requests to <code>{{.CaptureURL}}</code></p>
<ul id="events"></ul>
<script>
(function() {
  var identifier = {{.Identifier}};
  var scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
  var socket = new WebSocket(scheme + window.location.host + {{.WebsocketPath}});
  socket.onopen = function() {
    socket.send(JSON.stringify({url_string: identifier}));
  };
  socket.onmessage = function(msg) {
    var data = JSON.parse(msg.data);
    if (data.url_string !== identifier) {
      return;
    }
    var item = document.createElement("li");
    item.textContent = "[" + data.timestamp + "] " + data.msg;
    document.getElementById("events").appendChild(item);
  };
  socket.onclose = function() {
    var item = document.createElement("li");
    item.textContent = "Connection closed. Reload to reconnect.";
    document.getElementById("events").appendChild(item);
  };
})();
</script>
</body>
</html>
`

// PagePaths end-point paths the pages link to
type PagePaths struct {
	// CaptureRoot is the full path in front of a capture identifier, with trailing "/"
	CaptureRoot string
	// ConsoleRoot is the full path in front of a console identifier, with trailing "/"
	ConsoleRoot string
	// CreateAction is the path the home page form posts to
	CreateAction string
	// WebsocketPath is the full path of the viewer websocket
	WebsocketPath string
}

// APIPageHandler handler serving the human facing pages
type APIPageHandler struct {
	goutils.RestAPIHandler
	paths   PagePaths
	home    *template.Template
	console *template.Template
}

// GetAPIPageHandler define APIPageHandler
func GetAPIPageHandler(httpConfig common.HTTPConfig, paths PagePaths) (APIPageHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "pages",
	}
	home, err := template.New("home").Parse(homePageTemplate)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse home page template")
		return APIPageHandler{}, err
	}
	console, err := template.New("console").Parse(consolePageTemplate)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse console page template")
		return APIPageHandler{}, err
	}
	return APIPageHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		paths:          paths,
		home:           home,
		console:        console,
	}, nil
}

// ConsolePath the console page path of an identifier, with each segment escaped
func (h APIPageHandler) ConsolePath(identifier string) string {
	segments := strings.Split(identifier, "/")
	for idx, segment := range segments {
		segments[idx] = url.PathEscape(segment)
	}
	return h.paths.ConsoleRoot + strings.Join(segments, "/")
}

// renderPage render a template and write it out
func (h APIPageHandler) renderPage(
	w http.ResponseWriter, r *http.Request, page *template.Template, data interface{},
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	buf := new(bytes.Buffer)
	if err := page.Execute(buf, data); err != nil {
		msg := "Unable to render page"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to write page")
	}
}

// Home serve the endpoint creation form
func (h APIPageHandler) Home(w http.ResponseWriter, r *http.Request) {
	h.renderPage(w, r, h.home, h.paths)
}

// HomeHandler Wrapper around Home
func (h APIPageHandler) HomeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Home(w, r)
	}
}

// CreateEndpoint redirect the endpoint creation form to the console of the identifier
func (h APIPageHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	replyError := func(code int, msg, detail string) {
		if err := h.WriteRESTResponse(
			w, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, detail), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}
	if err := r.ParseForm(); err != nil {
		msg := "Unable to parse form"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		replyError(http.StatusBadRequest, msg, err.Error())
		return
	}
	identifier := strings.Trim(r.PostForm.Get("url_string"), "/ ")
	if identifier == "" {
		msg := "No identifier provided"
		log.WithFields(localLogTags).Error(msg)
		replyError(http.StatusBadRequest, msg, msg)
		return
	}
	target := h.ConsolePath(identifier)
	log.WithFields(localLogTags).Debugf("Redirecting to %s", target)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// CreateEndpointHandler Wrapper around CreateEndpoint
func (h APIPageHandler) CreateEndpointHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateEndpoint(w, r)
	}
}

// consolePageData values filled into the console page
type consolePageData struct {
	Identifier    string
	CaptureURL    string
	WebsocketPath string
}

// Console serve the live viewer page of an identifier
func (h APIPageHandler) Console(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	identifier := strings.TrimPrefix(r.URL.Path, h.paths.ConsoleRoot)
	if identifier == "" || identifier == r.URL.Path {
		msg := "No identifier provided"
		log.WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	h.renderPage(w, r, h.console, consolePageData{
		Identifier:    identifier,
		CaptureURL:    h.paths.CaptureRoot + identifier,
		WebsocketPath: h.paths.WebsocketPath,
	})
}

// ConsoleHandler Wrapper around Console
func (h APIPageHandler) ConsoleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Console(w, r)
	}
}
