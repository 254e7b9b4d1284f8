package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"paycore/internal/core"
)

// DefaultTolerance bounds how stale a signed timestamp may be.
const DefaultTolerance = 5 * time.Minute

// VerifySignature checks a "t=<unix>,v1=<hex>" signature header against the
// raw request body. The signed payload is "<t>.<body>" with HMAC-SHA256 over
// the shared secret. Headers may carry several v1 values; any one matching
// passes.
func VerifySignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return core.Forbidden("missing_signature", "signature header is required")
	}

	var ts int64
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return core.Forbidden("invalid_signature", "malformed signature timestamp")
			}
			ts = parsed
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == 0 || len(candidates) == 0 {
		return core.Forbidden("invalid_signature", "signature header is malformed")
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return core.Forbidden("signature_expired", "signature timestamp is outside the tolerance window")
	}

	expected := ComputeSignature(body, secret, ts)
	for _, c := range candidates {
		if hmac.Equal([]byte(expected), []byte(c)) {
			return nil
		}
	}
	return core.Forbidden("invalid_signature", "no signature matched")
}

// ComputeSignature returns the hex HMAC-SHA256 of "<t>.<body>".
func ComputeSignature(body []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
