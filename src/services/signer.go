package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/khabaroff/gatekeeper/src/models"
)

// Canonical request layout. Fields are joined with a single '\n' and there is
// no trailing newline:
//
//	METHOD            upper case, e.g. POST
//	PATH              escaped path as sent (URL.EscapedPath), "/" when empty
//	QUERY             see CanonicalQuery, empty when there is no query
//	BODY_SHA256       lowercase hex sha256 of the raw body (of zero bytes when empty)
//	TIMESTAMP         X-Timestamp verbatim: decimal unix seconds
//	KEY_ID            the 32 hex char id of the signing key
//
// The signature is lowercase hex HMAC-SHA256(secret, canonical bytes), sent
// in X-Signature with an optional "sha256=" prefix. The secret is the part of
// the API key after the dot.

// CanonicalQuery sorts keys, then the values of each key, byte-wise, and
// joins url.QueryEscape(k)=url.QueryEscape(v) pairs with '&'.
func CanonicalQuery(rawQuery string) (string, error) {
	if rawQuery == "" {
		return "", nil
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String(), nil
}

// CanonicalRequest builds the bytes covered by the signature
func CanonicalRequest(method, escapedPath, canonicalQuery string, body []byte, timestamp, keyID string) []byte {
	if escapedPath == "" {
		escapedPath = "/"
	}
	digest := sha256.Sum256(body)

	var b bytes.Buffer
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(escapedPath)
	b.WriteByte('\n')
	b.WriteString(canonicalQuery)
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(digest[:]))
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(keyID)
	return b.Bytes()
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of canonical
func ComputeSignature(secret, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets X-Timestamp and X-Signature on r for the given body.
// Clients use it; the gateway uses it in tests.
func SignRequest(r *http.Request, body []byte, keyID string, secret []byte, at time.Time) error {
	query, err := CanonicalQuery(r.URL.RawQuery)
	if err != nil {
		return fmt.Errorf("failed to canonicalize query: %w", err)
	}
	ts := strconv.FormatInt(at.Unix(), 10)
	canonical := CanonicalRequest(r.Method, r.URL.EscapedPath(), query, body, ts, keyID)
	r.Header.Set(models.HeaderTimestamp, ts)
	r.Header.Set(models.HeaderSignature, ComputeSignature(secret, canonical))
	return nil
}

// SignedRequest is the material a Verifier checks
type SignedRequest struct {
	Method      string
	EscapedPath string
	RawQuery    string
	Body        []byte
	Timestamp   string
	Signature   string
	KeyID       string
	ClientIP    string
}

// SecretResolver returns the signing secret for a key id
type SecretResolver interface {
	SigningSecret(ctx context.Context, keyID string) ([]byte, error)
}

// Verifier checks request signatures, timestamp skew and replays
type Verifier struct {
	secrets SecretResolver
	nonces  *NonceCache
	skew    time.Duration
	sink    SecurityEventSink
	now     func() time.Time
}

// NewVerifier creates a verifier; skew defaults to 300 seconds
func NewVerifier(secrets SecretResolver, nonces *NonceCache, skew time.Duration, sink SecurityEventSink) *Verifier {
	if skew <= 0 {
		skew = 300 * time.Second
	}
	if nonces == nil {
		nonces = NewNonceCache()
	}
	return &Verifier{
		secrets: secrets,
		nonces:  nonces,
		skew:    skew,
		sink:    sink,
		now:     time.Now,
	}
}

// Nonces exposes the replay cache for the sweeper
func (v *Verifier) Nonces() *NonceCache {
	return v.nonces
}

// Verify checks, in order: shape, timestamp skew, HMAC, replay.
// A cancelled context aborts before the request is recorded as seen.
func (v *Verifier) Verify(ctx context.Context, req SignedRequest) error {
	err := v.verify(ctx, req)

	event := models.SecurityEvent{
		Kind:     models.EventSignature,
		Outcome:  models.OutcomeAllow,
		Identity: req.KeyID,
		ClientIP: req.ClientIP,
		Path:     req.EscapedPath,
	}
	if err != nil {
		event.Outcome = models.OutcomeDeny
		event.Reason = ReasonCode(err)
	}
	Emit(ctx, v.sink, event)
	return err
}

func (v *Verifier) verify(ctx context.Context, req SignedRequest) error {
	if req.Timestamp == "" || req.Signature == "" || req.KeyID == "" {
		return ErrMalformedSignedRequest
	}
	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrMalformedSignedRequest)
	}
	claimed, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "sha256="))
	if err != nil || len(claimed) != sha256.Size {
		return fmt.Errorf("%w: bad signature encoding", ErrMalformedSignedRequest)
	}
	query, err := CanonicalQuery(req.RawQuery)
	if err != nil {
		return fmt.Errorf("%w: bad query", ErrMalformedSignedRequest)
	}

	now := v.now()
	signedAt := time.Unix(ts, 0)
	if drift := now.Sub(signedAt); drift > v.skew || drift < -v.skew {
		return ErrStaleTimestamp
	}

	secret, err := v.secrets.SigningSecret(ctx, req.KeyID)
	if err != nil {
		return err
	}

	canonical := CanonicalRequest(req.Method, req.EscapedPath, query, req.Body, req.Timestamp, req.KeyID)
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	if !hmac.Equal(claimed, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	nonce := req.KeyID + "|" + req.Timestamp + "|" + hex.EncodeToString(claimed)
	if !v.nonces.CheckAndStore(nonce, signedAt.Add(v.skew), now) {
		return ErrReplayedNonce
	}
	return nil
}
