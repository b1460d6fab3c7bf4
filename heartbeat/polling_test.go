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

package heartbeat_test

import (
	"context"
	"errors"
	"testing"

	"github.com/coldglass/wcpool"
	"github.com/coldglass/wcpool/heartbeat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	results chan error
}

func (f *fakeProber) Probe(context.Context, wcpool.Socket) error {
	return <-f.results
}

func TestPollingCheckerSingleThreshold(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{results: make(chan error, 1)}
	factory := heartbeat.NewPollingFactory(heartbeat.Config{}, prober)
	checker := factory.NewChecker(mustAddress(t, "127.0.0.1:9042"))

	prober.results <- nil
	require.NoError(t, checker.Probe(context.Background(), nil))

	prober.results <- errors.New("no response")
	assert.Error(t, checker.Probe(context.Background(), nil))

	prober.results <- nil
	require.NoError(t, checker.Probe(context.Background(), nil))
}

func TestPollingCheckerThresholds(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{results: make(chan error, 1)}
	factory := heartbeat.NewPollingFactory(heartbeat.Config{
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}, prober)
	checker := factory.NewChecker(mustAddress(t, "127.0.0.1:9042"))

	probe := func(err error) error {
		prober.results <- err
		return checker.Probe(context.Background(), nil)
	}

	// A single success never makes an already-healthy checker unhealthy.
	require.NoError(t, probe(nil))

	// Two failures aren't enough to cross the unhealthy threshold of 3.
	require.NoError(t, probe(errors.New("boom")))
	require.NoError(t, probe(errors.New("boom")))

	// The third consecutive failure crosses it.
	require.Error(t, probe(errors.New("boom")))

	// A single success isn't enough to recover (healthy threshold is 2).
	require.Error(t, probe(nil))
	// The second consecutive success recovers it.
	require.NoError(t, probe(nil))
}

func mustAddress(t *testing.T, hostPort string) wcpool.Address {
	t.Helper()
	addr, err := wcpool.ParseAddress(hostPort)
	require.NoError(t, err)
	return addr
}
