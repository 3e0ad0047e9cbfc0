// Package kr contains krypton's shared leaf types: errors, logging, time, and protocol constants.
package kr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (

	// RequestTimeTolerance is the symmetric replay window: requests whose
	// timestamp differs from local wall clock by more than this are rejected.
	RequestTimeTolerance = 15 * time.Minute

	// ResponseCacheTTL bounds how long a computed response is replayed to
	// retransmissions of the same request.
	ResponseCacheTTL = 2 * RequestTimeTolerance

	// PendingRequestTTL bounds how long a request may sit awaiting user approval.
	PendingRequestTTL = 2 * RequestTimeTolerance

	// CommunicationActivityTimeout is how long a medium may stay quiet while
	// others see traffic before it is considered stale and refreshed.
	CommunicationActivityTimeout = 60 * time.Second

	// ReadTokenValidity is how long a signed team read token stays valid.
	ReadTokenValidity = 6 * time.Hour
)

// Now returns the current unix time in seconds.
func Now() int64 {
	return time.Now().Unix()
}

// Version is a dotted protocol/app version, e.g. "2.4.1".
type Version struct {
	Major int
	Minor int
	Patch int
}

// CurrentVersion is the protocol version this agent speaks.
var CurrentVersion = Version{Major: 2, Minor: 5, Patch: 0}

// ParseVersion parses a dotted version string.
func ParseVersion(inStr string) (Version, error) {
	parts := strings.Split(inStr, ".")
	if len(parts) != 3 {
		return Version{}, Errorf(nil, UnmarshalFailed, "invalid version string %q", inStr)
	}

	var v Version
	var err error
	if v.Major, err = strconv.Atoi(parts[0]); err != nil {
		return Version{}, Errorf(err, UnmarshalFailed, "invalid version string %q", inStr)
	}
	if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
		return Version{}, Errorf(err, UnmarshalFailed, "invalid version string %q", inStr)
	}
	if v.Patch, err = strconv.Atoi(parts[2]); err != nil {
		return Version{}, Errorf(err, UnmarshalFailed, "invalid version string %q", inStr)
	}

	return v, nil
}

// String returns the dotted form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsZero reports whether the version was never set.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0
}

// AtLeast reports whether v >= other.
func (v Version) AtLeast(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch >= other.Patch
}
