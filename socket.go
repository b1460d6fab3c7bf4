// Copyright 2023 Buf Technologies, Inc.
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

package wcpool

import (
	"context"
	"crypto/tls"
	"net"
)

// netDialerFactory is the default SocketFactory: a plain TCP dial, wrapped
// in a TLS client handshake when ConnectionSettings.TLSConfig is non-nil.
// DNS resolution is whatever net.Dialer does with addr.String(); cluster
// topology discovery and hostname resolution happen upstream of this
// package.
type netDialerFactory struct {
	dialer net.Dialer
}

// NewNetSocketFactory returns a SocketFactory that dials addr over TCP,
// optionally upgrading to TLS when ConnectionSettings.TLSConfig is set.
func NewNetSocketFactory() SocketFactory {
	return &netDialerFactory{}
}

func (f *netDialerFactory) Dial(ctx context.Context, addr Address, settings ConnectionSettings) (Socket, error) {
	conn, err := f.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	if settings.TLSConfig != nil {
		tlsConn := tls.Client(conn, settings.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return conn, nil
}

var _ SocketFactory = (*netDialerFactory)(nil)
