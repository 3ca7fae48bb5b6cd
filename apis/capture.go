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
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/alwitt/hookwatch/metrics"
	"github.com/alwitt/hookwatch/relay"
	"github.com/apex/log"
)

// APIRestCaptureHandler REST handler capturing inbound webhook requests
type APIRestCaptureHandler struct {
	goutils.RestAPIHandler
	relay        relay.Relay
	metrics      *metrics.Collectors
	captureRoot  string
	maxBodyBytes int64
	clock        func() time.Time
}

// GetAPIRestCaptureHandler define APIRestCaptureHandler
//
// captureRoot is the full path in front of the identifier, including the trailing "/".
func GetAPIRestCaptureHandler(
	httpConfig common.HTTPConfig,
	captureRoot string,
	maxBodyBytes int64,
	eventRelay relay.Relay,
	collectors *metrics.Collectors,
) (APIRestCaptureHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "capture",
	}
	if eventRelay == nil {
		return APIRestCaptureHandler{}, fmt.Errorf("capture handler requires a relay")
	}
	if !strings.HasSuffix(captureRoot, "/") {
		return APIRestCaptureHandler{}, fmt.Errorf("capture root '%s' must end with /", captureRoot)
	}
	if maxBodyBytes < 1 {
		return APIRestCaptureHandler{}, fmt.Errorf("invalid max body size %d", maxBodyBytes)
	}
	return APIRestCaptureHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		relay:          eventRelay,
		metrics:        collectors,
		captureRoot:    captureRoot,
		maxBodyBytes:   maxBodyBytes,
		clock:          time.Now,
	}, nil
}

// Capture godoc
// @Summary Capture a webhook request
// @Description Record the request and forward it to every viewer watching the identifier.
// Any method is accepted. The identifier is the remainder of the path and may contain "/".
// @tags Capture
// @Param identifier path string true "Identifier viewers subscribe to"
// @Param body body string false "Arbitrary request body"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 413 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/{identifier} [post]
func (h APIRestCaptureHandler) Capture(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identifier := strings.TrimPrefix(r.URL.Path, h.captureRoot)
	if identifier == "" || identifier == r.URL.Path {
		msg := "No identifier provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	// Read the body
	reqBody := r.Body
	if reqBody == nil {
		reqBody = http.NoBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, reqBody, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg := fmt.Sprintf("Request body exceeds %d bytes", h.maxBodyBytes)
			log.WithError(err).WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusRequestEntityTooLarge
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusRequestEntityTooLarge, msg, err.Error(),
			)
			return
		}
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	event := common.NewEventRecord(identifier, r.Method, r.URL.Path, body, h.clock())
	h.metrics.RecordCapture(r.Method)
	log.WithFields(localLogTags).Info(event.Summary())

	// Delivery outcome does not change the response
	if err := h.relay.Publish(r.Context(), event); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to relay %s", event.String())
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// CaptureHandler Wrapper around Capture
func (h APIRestCaptureHandler) CaptureHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Capture(w, r)
	}
}
