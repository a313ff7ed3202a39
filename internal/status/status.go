package status

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformed is returned by Parse when data does not have the
// WrappedStatus shape.
var ErrMalformed = errors.New("status: malformed wrapped status")

// TokenKind selects which expiry a freshness check looks at.
type TokenKind int

const (
	Access TokenKind = iota
	Refresh
)

var tokenKindNames = map[TokenKind]string{
	Access:  "access",
	Refresh: "refresh",
}

func (k TokenKind) String() string {
	if s, ok := tokenKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// UserStatus is the server's view of the session at fetch time. Expiries
// are absolute Unix timestamps in seconds.
type UserStatus struct {
	LoggedIn       bool    `json:"loggedIn"`
	AccessExpires  float64 `json:"accessExpires"`
	RefreshExpires float64 `json:"refreshExpires"`
}

// Expiry returns the expiry timestamp for the given token kind.
func (u UserStatus) Expiry(kind TokenKind) float64 {
	if kind == Refresh {
		return u.RefreshExpires
	}
	return u.AccessExpires
}

// WrappedStatus is the unit stored in the shared store and returned by the
// status endpoint. Timestamp is in epoch milliseconds and orders snapshots.
type WrappedStatus struct {
	Checksum  string     `json:"checksum"`
	Payload   UserStatus `json:"payload"`
	Timestamp int64      `json:"timestamp"`
}

// Newer reports whether w should replace prev under last-writer-wins.
// Equal timestamps keep prev.
func (w WrappedStatus) Newer(prev WrappedStatus) bool {
	return w.Timestamp > prev.Timestamp
}

// TokenCurrent reports whether the token of the given kind is still valid
// at now. An access token additionally requires LoggedIn.
func (w WrappedStatus) TokenCurrent(kind TokenKind, now time.Time) bool {
	if kind == Access && !w.Payload.LoggedIn {
		return false
	}
	expiry := w.Payload.Expiry(kind)
	if math.IsNaN(expiry) {
		return false
	}
	return float64(now.UnixMilli()) < expiry*1000
}

// Checksum returns the hex md5 of the payload's JSON encoding. It is only
// used to detect that two snapshots differ.
func Checksum(u UserStatus) string {
	data, err := json.Marshal(u)
	if err != nil {
		// NaN/Inf expiries cannot be encoded; fall back to the formatted value.
		data = []byte(fmt.Sprintf("%t|%v|%v", u.LoggedIn, u.AccessExpires, u.RefreshExpires))
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Wrap builds a WrappedStatus for payload stamped at now.
func Wrap(payload UserStatus, now time.Time) WrappedStatus {
	return WrappedStatus{
		Checksum:  Checksum(payload),
		Payload:   payload,
		Timestamp: now.UnixMilli(),
	}
}

type rawPayload struct {
	LoggedIn       *bool    `json:"loggedIn"`
	AccessExpires  *float64 `json:"accessExpires"`
	RefreshExpires *float64 `json:"refreshExpires"`
}

type rawWrapped struct {
	Checksum  *string     `json:"checksum"`
	Payload   *rawPayload `json:"payload"`
	Timestamp *float64    `json:"timestamp"`
}

// Parse decodes data and checks that every field of the WrappedStatus
// schema is present with the right type. Extra fields are ignored.
func Parse(data []byte) (WrappedStatus, error) {
	var raw rawWrapped
	if err := json.Unmarshal(data, &raw); err != nil {
		return WrappedStatus{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case raw.Checksum == nil:
		return WrappedStatus{}, fmt.Errorf("%w: missing checksum", ErrMalformed)
	case raw.Timestamp == nil:
		return WrappedStatus{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	case raw.Payload == nil:
		return WrappedStatus{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	case raw.Payload.LoggedIn == nil:
		return WrappedStatus{}, fmt.Errorf("%w: missing payload.loggedIn", ErrMalformed)
	case raw.Payload.AccessExpires == nil:
		return WrappedStatus{}, fmt.Errorf("%w: missing payload.accessExpires", ErrMalformed)
	case raw.Payload.RefreshExpires == nil:
		return WrappedStatus{}, fmt.Errorf("%w: missing payload.refreshExpires", ErrMalformed)
	}
	// The timestamp orders writes in the store and must be an exact int64.
	ts := *raw.Timestamp
	if ts != math.Trunc(ts) || ts < math.MinInt64 || ts >= math.MaxInt64 {
		return WrappedStatus{}, fmt.Errorf("%w: timestamp %v is not an integral millisecond count", ErrMalformed, ts)
	}

	return WrappedStatus{
		Checksum: *raw.Checksum,
		Payload: UserStatus{
			LoggedIn:       *raw.Payload.LoggedIn,
			AccessExpires:  *raw.Payload.AccessExpires,
			RefreshExpires: *raw.Payload.RefreshExpires,
		},
		Timestamp: int64(ts),
	}, nil
}
