// ABOUTME: Exponential backoff schedule for session restarts
// ABOUTME: Classifies failures so network outages wait at least the network floor

package recovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// FailureClass separates failures that need connectivity to return from the rest.
type FailureClass int

const (
	// ClassTransient covers crashes, page errors and disconnects.
	ClassTransient FailureClass = iota
	// ClassNetwork covers DNS and connectivity failures.
	ClassNetwork
)

func (c FailureClass) String() string {
	if c == ClassNetwork {
		return "network"
	}
	return "transient"
}

// Policy is the restart schedule.
type Policy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	NetworkFloor time.Duration
	MaxAttempts  int
}

// DefaultPolicy returns 5s doubling to 60s, a 30s network floor and 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    5 * time.Second,
		MaxDelay:     60 * time.Second,
		NetworkFloor: 30 * time.Second,
		MaxAttempts:  5,
	}
}

// Delay returns the wait before retry attempt n (0-indexed).
func (p Policy) Delay(n int, class FailureClass) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay
	for i := 0; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if class == ClassNetwork && d < p.NetworkFloor {
		d = p.NetworkFloor
	}
	return d
}

// Exhausted reports whether attempt (1-indexed) is past the budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// networkMarkers are substrings browser automation errors use for connectivity failures.
var networkMarkers = []string{"ERR_NAME_NOT_RESOLVED", "net::", "network"}

// Classify maps err to a FailureClass.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassTransient
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return ClassNetwork
	}
	msg := err.Error()

	// context.DeadlineExceeded satisfies net.Error, so only dial timeouts count.
	if errors.Is(err, context.DeadlineExceeded) {
		if strings.Contains(msg, "dial") {
			return ClassNetwork
		}
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return ClassNetwork
		}
	}

	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return ClassNetwork
		}
	}
	return ClassTransient
}
