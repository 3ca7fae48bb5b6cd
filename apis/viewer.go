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
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/alwitt/hookwatch/metrics"
	"github.com/alwitt/hookwatch/registry"
	"github.com/alwitt/hookwatch/viewer"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// APIViewerHandler handler upgrading viewer connections into viewer sessions
type APIViewerHandler struct {
	goutils.RestAPIHandler
	upgrader    websocket.Upgrader
	registry    registry.Registry
	metrics     *metrics.Collectors
	params      viewer.SessionParams
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIViewerHandler define APIViewerHandler
func GetAPIViewerHandler(
	baseContext context.Context,
	httpConfig common.HTTPConfig,
	sessionConfig common.SessionConfig,
	subscriptions registry.Registry,
	collectors *metrics.Collectors,
	wg *sync.WaitGroup,
) (APIViewerHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "viewer",
	}
	if subscriptions == nil {
		return APIViewerHandler{}, fmt.Errorf("viewer handler requires a registry")
	}
	return APIViewerHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewer pages may be served through a different host name than the API
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry:    subscriptions,
		metrics:     collectors,
		params:      viewer.ConvertSessionConfig(sessionConfig),
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// Connect godoc
// @Summary Open a viewer session
// @Description Upgrade to a websocket. The viewer sends {"url_string": "<identifier>"} to
// subscribe, and then receives every event captured for that identifier.
// @tags Viewer
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "server stopping"
// @Router /ws [get]
func (h APIViewerHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	if h.baseContext.Err() != nil {
		msg := "server stopping"
		log.WithFields(localLogTags).Warn("Refusing viewer session during shutdown")
		if err := h.WriteRESTResponse(
			w,
			http.StatusServiceUnavailable,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	session, err := viewer.NewSession(conn, h.registry, h.metrics, h.params, localLogTags)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define viewer session")
		_ = conn.Close()
		return
	}
	log.WithFields(localLogTags).Infof("Viewer session %s opened", session.SessionID())

	// Blocks until the session closes
	session.Run(h.baseContext, h.wg)
}

// ConnectHandler Wrapper around Connect
func (h APIViewerHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}
