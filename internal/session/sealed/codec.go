// Package sealed encodes last-good session records for durable storage,
// encrypting them with age when a key is configured.
package sealed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	session "fleet-link/internal/session/domain"
)

// JSONCodec stores records as plain JSON.
type JSONCodec struct{}

// Encode implements session.Codec.
func (JSONCodec) Encode(record session.Record) ([]byte, error) {
	return json.Marshal(record)
}

// Decode implements session.Codec.
func (JSONCodec) Decode(data []byte) (session.Record, error) {
	var record session.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return session.Record{}, fmt.Errorf("sealed: decode record: %w", err)
	}
	return record, nil
}

// AgeCodec encrypts records to an x25519 identity so remote tokens are never
// written to disk in the clear.
type AgeCodec struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeCodec parses an AGE-SECRET-KEY-1... identity.
func NewAgeCodec(secretKey string) (*AgeCodec, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, errors.New("sealed: empty age key")
	}
	identity, err := age.ParseX25519Identity(secretKey)
	if err != nil {
		return nil, fmt.Errorf("sealed: parse age key: %w", err)
	}
	return &AgeCodec{identity: identity, recipient: identity.Recipient()}, nil
}

// GenerateKey returns a new age secret key string.
func GenerateKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("sealed: generate age key: %w", err)
	}
	return identity.String(), nil
}

// Encode implements session.Codec.
func (c *AgeCodec) Encode(record session.Record) ([]byte, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, c.recipient)
	if err != nil {
		return nil, fmt.Errorf("sealed: create encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: encrypt: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalize: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode implements session.Codec.
func (c *AgeCodec) Decode(data []byte) (session.Record, error) {
	reader, err := age.Decrypt(bytes.NewReader(data), c.identity)
	if err != nil {
		return session.Record{}, fmt.Errorf("sealed: decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return session.Record{}, fmt.Errorf("sealed: read plaintext: %w", err)
	}
	return JSONCodec{}.Decode(plaintext)
}

// NewCodec returns an AgeCodec for a non-empty key and a JSONCodec otherwise.
func NewCodec(secretKey string) (session.Codec, error) {
	if strings.TrimSpace(secretKey) == "" {
		return JSONCodec{}, nil
	}
	return NewAgeCodec(secretKey)
}
