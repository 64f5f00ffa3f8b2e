package checkout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	signatureTimestampKey = "t"
	signatureValueKey     = "v1"
	defaultTolerance      = 5 * time.Minute
)

// SignatureVerifier checks the provider's notification signatures. The
// scheme is HMAC-SHA256 over "<timestamp>.<raw body>", delivered as a
// header of the form "t=<unix>,v1=<hex digest>". Verification fails
// closed: any parse, timestamp, or digest problem yields
// ErrInvalidSignature and the caller must not mutate state.
type SignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
	nowFn     func() time.Time
}

// NewSignatureVerifier wires a verifier for a shared webhook secret.
func NewSignatureVerifier(secret string, nowFn func() time.Time) (*SignatureVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &SignatureVerifier{
		secret:    []byte(secret),
		tolerance: defaultTolerance,
		nowFn:     nowFn,
	}, nil
}

// Verify checks the header against the raw request body.
func (verifier *SignatureVerifier) Verify(payload []byte, header string) error {
	timestamp, digest, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	at := time.Unix(timestamp, 0)
	now := verifier.nowFn()
	if at.Before(now.Add(-verifier.tolerance)) || at.After(now.Add(verifier.tolerance)) {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	expected := computeSignature(verifier.secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
	}
	return nil
}

// Sign produces a header value the verifier accepts. The simulator and
// tests use it to fabricate deliveries.
func Sign(secret string, at time.Time, payload []byte) string {
	timestamp := at.Unix()
	return fmt.Sprintf("%s=%d,%s=%s", signatureTimestampKey, timestamp, signatureValueKey, computeSignature([]byte(secret), timestamp, payload))
}

func computeSignature(secret []byte, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, string, error) {
	var (
		timestampRaw string
		digest       string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case signatureTimestampKey:
			timestampRaw = value
		case signatureValueKey:
			digest = value
		}
	}
	if timestampRaw == "" || digest == "" {
		return 0, "", fmt.Errorf("%w: missing header fields", ErrInvalidSignature)
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	return timestamp, digest, nil
}
