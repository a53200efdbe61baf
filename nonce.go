package inncognito

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"
)

// SessionBinding ties a nonce to an authenticated host session. When a
// signed-in caller starts a flow, the session id and token are mixed
// into the nonce hash so the resulting cookie can't be redeemed by a
// different session or by an anonymous caller.
type SessionBinding struct {
	IdentityID   string
	SessionToken string
}

// Nonces mints and verifies opaque `token|hash` values whose hash is an
// HMAC over the token and the current time tick. A nonce verifies while
// the clock is in the tick it was minted in or the one after, tolerating
// up to one TTL of clock and delivery skew while bounding replay to two
// TTLs.
type Nonces struct {
	Secret []byte

	// TTL is the tick size. Defaults to 15 minutes.
	TTL time.Duration

	// set by tests to freeze time.
	now func() time.Time
}

// Create tags the token with an HMAC bound to the current tick and, when
// present, the caller's session.
func (n Nonces) Create(token string, binding *SessionBinding) string {
	return token + "|" + n.hash(token, n.tick(), binding)
}

// Verify splits a nonce on its first separator and recomputes the hash
// for the current and previous tick, accepting either via constant-time
// comparison. It returns the inner token on success.
func (n Nonces) Verify(nonce string, binding *SessionBinding) (string, bool) {
	sep := strings.Index(nonce, "|")
	if sep <= 0 {
		return "", false
	}
	token, sum := nonce[:sep], nonce[sep+1:]
	tick := n.tick()
	if hmac.Equal([]byte(n.hash(token, tick, binding)), []byte(sum)) {
		return token, true
	}
	if hmac.Equal([]byte(n.hash(token, tick-1, binding)), []byte(sum)) {
		return token, true
	}
	return "", false
}

func (n Nonces) tick() int64 {
	ttl := n.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return int64(math.Ceil(float64(n.clock().Unix()) / ttl.Seconds()))
}

func (n Nonces) hash(token string, tick int64, binding *SessionBinding) string {
	parts := []string{strconv.FormatInt(tick, 10), token}
	if binding != nil {
		parts = append(parts, binding.IdentityID, binding.SessionToken)
	}
	mac := hmac.New(sha256.New, n.Secret)
	mac.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (n Nonces) clock() time.Time {
	if n.now != nil {
		return n.now()
	}
	return time.Now()
}
