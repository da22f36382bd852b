// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package lodp

import "golang.org/x/time/rate"

// RatePolicy throttles the two packet types an attacker can feed cheaply:
// INIT (forces cookie generation) and HEARTBEAT (forces an echo reply).
// Packets over the limit are dropped silently; nothing goes on the wire
// and no error reaches the peer. A nil policy or a nil limiter means the
// corresponding type is unlimited.
type RatePolicy struct {
	Init      *rate.Limiter
	Heartbeat *rate.Limiter
}

// DefaultRatePolicy allows a sustained 64 packets/s of each type with
// bursts of 128.
func DefaultRatePolicy() *RatePolicy {
	return &RatePolicy{
		Init:      rate.NewLimiter(64, 128),
		Heartbeat: rate.NewLimiter(64, 128),
	}
}

func (p *RatePolicy) allowInit() bool {
	if p == nil || p.Init == nil {
		return true
	}
	return p.Init.Allow()
}

func (p *RatePolicy) allowHeartbeat() bool {
	if p == nil || p.Heartbeat == nil {
		return true
	}
	return p.Heartbeat.Allow()
}
