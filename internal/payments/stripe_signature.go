package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// StripeSignatureTolerance bounds how old a signed webhook may be.
const StripeSignatureTolerance = 5 * time.Minute

// VerifyStripeSignature checks a Stripe-Signature header of the form
// t=<timestamp>,v1=<signature>[,v1=...] against payload. An empty secret
// disables verification for local development.
func VerifyStripeSignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" {
		return true
	}
	if header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > StripeSignatureTolerance {
		return false
	}

	expected := SignStripePayload(secret, timestamp, payload)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

// SignStripePayload computes the v1 signature for payload at timestamp.
func SignStripePayload(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
