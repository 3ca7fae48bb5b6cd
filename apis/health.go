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
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/alwitt/hookwatch/registry"
	"github.com/alwitt/hookwatch/relay"
	"github.com/apex/log"
)

// APIRestHealthHandler REST handler for health checks and status
type APIRestHealthHandler struct {
	goutils.RestAPIHandler
	relay    relay.Relay
	registry registry.Registry
}

// GetAPIRestHealthHandler define APIRestHealthHandler
func GetAPIRestHealthHandler(
	httpConfig common.HTTPConfig, eventRelay relay.Relay, subscriptions registry.Registry,
) (APIRestHealthHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "health",
	}
	if eventRelay == nil || subscriptions == nil {
		return APIRestHealthHandler{}, fmt.Errorf("health handler requires a relay and a registry")
	}
	return APIRestHealthHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		relay:          eventRelay,
		registry:       subscriptions,
	}, nil
}

// Alive godoc
// @Summary For hook server liveness check
// @Description Will return success to indicate hook server is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestHealthHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestHealthHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For hook server readiness check
// @Description Will return success if the event relay is able to forward events
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestHealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.relay.Ready(r.Context()) {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestHealthHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// APIRestRespStatus response carrying the registry stats
type APIRestRespStatus struct {
	goutils.RestAPIBaseResponse
	Registry registry.RegistryStats `json:"registry"`
}

// Status godoc
// @Summary Subscription registry status
// @Description Number of watched identifiers and subscribed viewer sessions
// @tags Health
// @Produce json
// @Success 200 {object} APIRestRespStatus "success"
// @Router /v1/status [get]
func (h APIRestHealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(w, http.StatusOK, APIRestRespStatus{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Registry:            h.registry.Stats(),
	}, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StatusHandler Wrapper around Status
func (h APIRestHealthHandler) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Status(w, r)
	}
}
