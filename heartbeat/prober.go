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
	"time"

	"github.com/coldglass/wcpool"
)

// FrameProber probes a connection by writing an already-encoded "options"
// or "no-op" frame and waiting for the server to write back any bytes at
// all before a deadline. It does not attempt to decode the response: that
// would require a ProtocolCodec, and all this prober needs to know is
// that the peer is still reading and writing on this socket.
type FrameProber struct {
	Frame   []byte
	Timeout time.Duration
}

// NewSimpleProber returns a FrameProber that sends frame and waits up to
// timeout for a reply.
func NewSimpleProber(frame []byte, timeout time.Duration) *FrameProber {
	return &FrameProber{Frame: frame, Timeout: timeout}
}

func (p *FrameProber) Probe(ctx context.Context, socket wcpool.Socket) error {
	deadline := time.Now().Add(p.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := socket.SetDeadline(deadline); err != nil {
		return fmt.Errorf("heartbeat: setting deadline: %w", err)
	}

	if _, err := socket.Write(p.Frame); err != nil {
		return fmt.Errorf("heartbeat: writing probe frame: %w", err)
	}

	buf := make([]byte, 1)
	if _, err := socket.Read(buf); err != nil {
		return fmt.Errorf("heartbeat: reading probe reply: %w", err)
	}
	return nil
}

var _ Prober = (*FrameProber)(nil)
