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

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hookwatch/common"
	"github.com/apex/log"
)

// StatusReportHandler callback receiving each status snapshot
type StatusReportHandler func(stats RegistryStats)

// StatusReporter periodically reports the registry content
type StatusReporter interface {
	// Start begin reporting
	Start() error
	// Stop stop reporting
	Stop() error
}

// statusReporterImpl implements StatusReporter
type statusReporterImpl struct {
	goutils.Component
	registry Registry
	timer    common.IntervalTimer
	interval time.Duration
	handler  StatusReportHandler
}

// GetStatusReporter define a new StatusReporter. A nil handler logs the stats.
func GetStatusReporter(
	ctxt context.Context,
	registry Registry,
	interval time.Duration,
	handler StatusReportHandler,
	wg *sync.WaitGroup,
) (StatusReporter, error) {
	logTags := log.Fields{"module": "registry", "component": "status-reporter"}
	timer, err := common.GetIntervalTimerInstance(ctxt, "registry-status", wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define timer")
		return nil, err
	}
	instance := &statusReporterImpl{
		Component: goutils.Component{LogTags: logTags},
		registry:  registry,
		timer:     timer,
		interval:  interval,
		handler:   handler,
	}
	if instance.handler == nil {
		instance.handler = instance.logStats
	}
	return instance, nil
}

func (s *statusReporterImpl) logStats(stats RegistryStats) {
	log.WithFields(s.LogTags).Infof(
		"%d sessions subscribed across %d identifiers", stats.Sessions, stats.Identifiers,
	)
}

// Start begin reporting
func (s *statusReporterImpl) Start() error {
	return s.timer.Start(s.interval, func() error {
		s.handler(s.registry.Stats())
		return nil
	}, false)
}

// Stop stop reporting
func (s *statusReporterImpl) Stop() error {
	return s.timer.Stop()
}
