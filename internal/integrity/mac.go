// Package integrity computes the provenance MAC the proxy stamps on
// every message it appends. The MAC is a keyed SHA-1 over the message
// payload; it is a stable fingerprint for pairing a sanitized copy with
// its quarantined original, not a defense against collision attacks.
package integrity

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/emersion/go-message"
)

// Sign returns the lowercase hex MAC over payload using key.
func Sign(payload, key []byte) string {
	mac := hmac.New(sha1.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Payload extracts the MAC input from a raw RFC 5322 message: the body
// octets for a single-part message, or the concatenation of every leaf
// part's body in declaration order for a multipart one, with no
// separators.
func Payload(raw []byte) ([]byte, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	var buf bytes.Buffer
	if err := collectBodies(e, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func collectBodies(e *message.Entity, buf *bytes.Buffer) error {
	mr := e.MultipartReader()
	if mr == nil {
		if _, err := io.Copy(buf, e.Body); err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}
		if err := collectBodies(part, buf); err != nil {
			return err
		}
	}
}
