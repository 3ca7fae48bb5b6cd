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

// Package apis implements the HTTP handlers of the hook server
package apis

import (
	"net/http"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// JoinURLPath join a path prefix with a path, without doubling the separator
func JoinURLPath(prefix, path string) string {
	return strings.TrimRight(prefix, "/") + path
}

// defineRestAPIHandler define the base REST handler shared by all handlers
func defineRestAPIHandler(logTags log.Fields, httpConfig common.HTTPConfig) goutils.RestAPIHandler {
	requestIDHeader := httpConfig.Logging.RequestIDHeader
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &requestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// AccessLogWriter io.Writer feeding HTTP access log lines into the application log
type AccessLogWriter struct {
	goutils.Component
}

// GetAccessLogWriter define a new AccessLogWriter
func GetAccessLogWriter(instance string) AccessLogWriter {
	return AccessLogWriter{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "apis", "component": "access-log", "instance": instance},
		},
	}
}

// Write logging support
func (w AccessLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(w.LogTags).Infof("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
