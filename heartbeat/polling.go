// Copyright 2023-2025 Buf Technologies, Inc.
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

package heartbeat

import (
	"context"
	"fmt"
	"sync"

	"github.com/coldglass/wcpool"
)

// Prober sends one liveness probe over an already-open socket and reports
// whether the peer answered it correctly. A Prober speaks whatever the
// wire protocol's own lightweight keepalive frame is; this package does
// not define one, since that's specific to the ProtocolCodec in use.
type Prober interface {
	Probe(ctx context.Context, socket wcpool.Socket) error
}

// Config tunes a polling HeartbeatFactory. A zero Config is valid and
// means "flip state after a single probe result either way" — matching
// the teacher's default threshold of 1 passing or failing check.
type Config struct {
	// HealthyThreshold is the number of consecutive successful probes
	// required before a connection that has failed at least once is
	// reported healthy again. Zero means 1.
	HealthyThreshold int
	// UnhealthyThreshold is the number of consecutive failed probes
	// required before Probe returns an error. Zero means 1.
	UnhealthyThreshold int
}

func (c Config) healthyThreshold() int {
	if c.HealthyThreshold <= 0 {
		return 1
	}
	return c.HealthyThreshold
}

func (c Config) unhealthyThreshold() int {
	if c.UnhealthyThreshold <= 0 {
		return 1
	}
	return c.UnhealthyThreshold
}

type pollingFactory struct {
	config Config
	prober Prober
}

// NewPollingFactory returns a wcpool.HeartbeatFactory that probes each
// connection with prober, applying config's pass/fail run-length
// thresholds before flipping the reported state.
func NewPollingFactory(config Config, prober Prober) wcpool.HeartbeatFactory {
	return &pollingFactory{config: config, prober: prober}
}

func (f *pollingFactory) NewChecker(addr wcpool.Address) wcpool.HeartbeatChecker {
	return &pollingChecker{addr: addr, config: f.config, prober: f.prober}
}

// pollingChecker accumulates consecutive pass/fail counts across calls to
// Probe, one instance per connection. It is only ever driven by a single
// caller at a time (the manager's EventLoop schedules each connection's
// next probe only after the previous one resolves), but takes a mutex
// anyway since nothing in this package's contract promises that.
type pollingChecker struct {
	addr   wcpool.Address
	config Config
	prober Prober

	mu        sync.Mutex
	consecFail int
	consecOK   int
	unhealthy  bool
}

func (c *pollingChecker) Probe(ctx context.Context, socket wcpool.Socket) error {
	probeErr := c.prober.Probe(ctx, socket)

	c.mu.Lock()
	defer c.mu.Unlock()

	if probeErr != nil {
		c.consecFail++
		c.consecOK = 0
		if c.consecFail >= c.config.unhealthyThreshold() {
			c.unhealthy = true
		}
	} else {
		c.consecOK++
		c.consecFail = 0
		if c.consecOK >= c.config.healthyThreshold() {
			c.unhealthy = false
		}
	}

	if !c.unhealthy {
		return nil
	}
	if probeErr != nil {
		return fmt.Errorf("heartbeat: %s failed %d consecutive probes: %w", c.addr, c.consecFail, probeErr)
	}
	return fmt.Errorf("heartbeat: %s has not yet passed %d consecutive probes to recover", c.addr, c.config.healthyThreshold())
}

var _ wcpool.HeartbeatFactory = (*pollingFactory)(nil)
var _ wcpool.HeartbeatChecker = (*pollingChecker)(nil)
