package payments

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifyStripeSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte(`{"id":"evt_1"}`)
	ts := fmt.Sprintf("%d", now.Unix())
	sig := SignStripePayload("whsec_test", ts, payload)

	tests := []struct {
		name   string
		secret string
		header string
		at     time.Time
		want   bool
	}{
		{"valid", "whsec_test", "t=" + ts + ",v1=" + sig, now, true},
		{"valid among several", "whsec_test", "t=" + ts + ",v1=deadbeef,v1=" + sig, now, true},
		{"wrong secret", "whsec_other", "t=" + ts + ",v1=" + sig, now, false},
		{"missing header", "whsec_test", "", now, false},
		{"missing v1", "whsec_test", "t=" + ts, now, false},
		{"stale", "whsec_test", "t=" + ts + ",v1=" + sig, now.Add(6 * time.Minute), false},
		{"bad timestamp", "whsec_test", "t=abc,v1=" + sig, now, false},
		{"no secret configured", "", "", now, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyStripeSignature(tt.secret, payload, tt.header, tt.at))
		})
	}
}
