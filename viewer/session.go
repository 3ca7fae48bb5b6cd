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

// Package viewer implements the live viewer sessions fed by the subscription registry
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/alwitt/hookwatch/metrics"
	"github.com/alwitt/hookwatch/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionState is the lifecycle state of a viewer session
type SessionState int

// Session states
const (
	// StateConnected transport established, not yet subscribed
	StateConnected SessionState = iota
	// StateSubscribed bound to one identifier
	StateSubscribed
	// StateClosed terminal
	StateClosed
)

// String toString function
func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Errors returned by Deliver
var (
	ErrSessionClosed  = fmt.Errorf("viewer session closed: %w", registry.ErrSubscriberClosed)
	ErrSendBufferFull = errors.New("viewer session send buffer full")
)

// SessionParams viewer session operating parameters
type SessionParams struct {
	// SendBufferSize is the number of events queued before the viewer is dropped
	SendBufferSize int `validate:"gte=1"`
	// WriteTimeout is the max duration for writing one frame
	WriteTimeout time.Duration `validate:"gt=0"`
	// PongTimeout is the max duration between pongs. Pings go out at 9/10 of it.
	PongTimeout time.Duration `validate:"gt=0"`
	// MaxMessageBytes is the largest message accepted from the viewer
	MaxMessageBytes int64 `validate:"gte=1"`
}

// ConvertSessionConfig convert the session config into SessionParams
func ConvertSessionConfig(cfg common.SessionConfig) SessionParams {
	return SessionParams{
		SendBufferSize:  cfg.SendBufferSize,
		WriteTimeout:    time.Second * time.Duration(cfg.WriteTimeout),
		PongTimeout:     time.Second * time.Duration(cfg.PongTimeout),
		MaxMessageBytes: cfg.MaxMessageBytes,
	}
}

// Session one live websocket connection from a viewer
type Session struct {
	goutils.Component
	id         string
	conn       *websocket.Conn
	registry   registry.Registry
	metrics    *metrics.Collectors
	params     SessionParams
	validate   *validator.Validate
	send       chan common.EventRecord
	done       chan struct{}
	lock       sync.Mutex
	state      SessionState
	identifier string
	closeOnce  sync.Once
}

// NewSession define a new viewer session over an established websocket connection
func NewSession(
	conn *websocket.Conn,
	subscriptions registry.Registry,
	collectors *metrics.Collectors,
	params SessionParams,
	logTags log.Fields,
) (*Session, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	sessionTags := log.Fields{}
	for k, v := range logTags {
		sessionTags[k] = v
	}
	sessionTags["session"] = id
	collectors.SessionOpened()
	return &Session{
		Component: goutils.Component{LogTags: sessionTags},
		id:        id,
		conn:      conn,
		registry:  subscriptions,
		metrics:   collectors,
		params:    params,
		validate:  validate,
		send:      make(chan common.EventRecord, params.SendBufferSize),
		done:      make(chan struct{}),
		state:     StateConnected,
	}, nil
}

// SessionID the unique handle of the session
func (s *Session) SessionID() string {
	return s.id
}

// State current lifecycle state and bound identifier
func (s *Session) State() (SessionState, string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state, s.identifier
}

// Done is closed once the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Deliver queue an event for the viewer without blocking.
//
// A full queue means the viewer is not keeping up; the session is closed.
func (s *Session) Deliver(event common.EventRecord) error {
	s.lock.Lock()
	if s.state == StateClosed {
		s.lock.Unlock()
		return ErrSessionClosed
	}
	select {
	case s.send <- event:
		s.lock.Unlock()
		return nil
	default:
	}
	s.lock.Unlock()
	log.WithFields(s.LogTags).Warnf("Send buffer full, closing session")
	go s.Close()
	return ErrSendBufferFull
}

// Join bind the session to an identifier, replacing any previous binding
func (s *Session) Join(identifier string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if err := s.registry.Subscribe(s, identifier); err != nil {
		return err
	}
	s.state = StateSubscribed
	s.identifier = identifier
	s.metrics.RecordJoin()
	log.WithFields(s.LogTags).Infof("Joined '%s'", identifier)
	return nil
}

// Close close the session and remove it from the registry. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.state = StateClosed
		s.lock.Unlock()
		s.registry.Unsubscribe(s)
		close(s.done)
		if err := s.conn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Connection close")
		}
		s.metrics.SessionClosed()
		log.WithFields(s.LogTags).Info("Session closed")
	})
}

// handleMessage process one message from the viewer
func (s *Session) handleMessage(raw []byte) {
	var request common.JoinRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		log.WithError(err).WithFields(s.LogTags).Warn("Ignoring unparsable message")
		return
	}
	if err := s.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(s.LogTags).Warn("Ignoring invalid join request")
		return
	}
	if err := s.Join(request.Identifier); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to join '%s'", request.Identifier,
		)
	}
}

// readPump read viewer messages until the connection fails
func (s *Session) readPump() {
	s.conn.SetReadLimit(s.params.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.params.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.params.PongTimeout))
	})
	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(s.LogTags).Info("Connection lost")
			}
			return
		}
		if msgType != websocket.TextMessage {
			log.WithFields(s.LogTags).Debugf("Ignoring message type %d", msgType)
			continue
		}
		s.handleMessage(raw)
	}
}

// writePump send queued events and pings until the session closes
func (s *Session) writePump() {
	ticker := time.NewTicker(s.params.PongTimeout * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(s.params.WriteTimeout),
			)
			return
		case event := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout))
			if err := s.conn.WriteJSON(event.ToViewerMessage()); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Failed to send %s", event.String(),
				)
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(s.LogTags).Info("Ping failed")
				s.Close()
				return
			}
		}
	}
}

// Run operate the session until the viewer disconnects or the context ends.
// Blocks until the session is closed.
func (s *Session) Run(ctxt context.Context, wg *sync.WaitGroup) {
	// The caller may already be waiting on wg once the runtime context ends
	if ctxt.Err() != nil {
		log.WithFields(s.LogTags).Info("Server stopping, session not started")
		s.Close()
		return
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump()
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctxt.Done():
			log.WithFields(s.LogTags).Info("Closing session on server stop")
			s.Close()
		case <-s.done:
		}
	}()
	s.readPump()
	s.Close()
}
