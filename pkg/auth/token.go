// Package auth validates the connect tokens clients present during the handshake.
//
// Tokens are issued by an external service that shares a key with the server. The server only
// opens tokens; Seal exists for issuers and tests.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"time"

	"github.com/argus-labs/netcode/pkg/internal/schema"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// KeySize is the size of the shared key in bytes.
const KeySize = 32

var (
	ErrInvalidKey       = eris.New("key must be 32 bytes")
	ErrTokenInvalid     = eris.New("connect token is invalid")
	ErrTokenExpired     = eris.New("connect token has expired")
	ErrProtocolMismatch = eris.New("connect token is for a different protocol")
	ErrWrongServer      = eris.New("connect token is for a different server")
	ErrTokenReused      = eris.New("connect token was already used")
)

// ConnectToken is the credential a client presents to connect.
type ConnectToken struct {
	ProtocolID uint64
	ClientID   uint64
	ServerAddr string
	CreatedAt  int64 // Unix milliseconds
	ExpiresAt  int64 // Unix milliseconds
	Nonce      string
	UserData   []byte
}

// NewToken builds a token valid for ttl starting at now.
func NewToken(protocolID, clientID uint64, serverAddr string, now time.Time, ttl time.Duration) ConnectToken {
	return ConnectToken{
		ProtocolID: protocolID,
		ClientID:   clientID,
		ServerAddr: serverAddr,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(ttl).UnixMilli(),
		Nonce:      uuid.NewString(),
	}
}

// Expired reports whether the token is no longer valid at now.
func (t ConnectToken) Expired(now time.Time) bool {
	return now.UnixMilli() >= t.ExpiresAt
}

type sealed struct {
	Body      []byte
	Signature []byte
}

// NewKey returns a random shared key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, eris.Wrap(err, "failed to generate key")
	}
	return key, nil
}

// Seal signs the token with the shared key.
func Seal(key []byte, token ConnectToken) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	body, err := schema.SerializeCompact(token)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode token")
	}
	data, err := schema.SerializeCompact(sealed{Body: body, Signature: sign(key, body)})
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode sealed token")
	}
	return data, nil
}

// Open verifies a sealed token and checks it is meant for this protocol and server and has not
// expired. An empty serverAddr skips the address check.
func Open(key, data []byte, protocolID uint64, serverAddr string, now time.Time) (ConnectToken, error) {
	if len(key) != KeySize {
		return ConnectToken{}, ErrInvalidKey
	}

	var s sealed
	if err := schema.DeserializeCompact(data, &s); err != nil {
		return ConnectToken{}, eris.Wrap(ErrTokenInvalid, err.Error())
	}
	if !hmac.Equal(s.Signature, sign(key, s.Body)) {
		return ConnectToken{}, eris.Wrap(ErrTokenInvalid, "signature mismatch")
	}

	var token ConnectToken
	if err := schema.DeserializeCompact(s.Body, &token); err != nil {
		return ConnectToken{}, eris.Wrap(ErrTokenInvalid, err.Error())
	}

	if token.ProtocolID != protocolID {
		return ConnectToken{}, eris.Wrapf(ErrProtocolMismatch, "got %d, want %d", token.ProtocolID, protocolID)
	}
	if serverAddr != "" && token.ServerAddr != serverAddr {
		return ConnectToken{}, eris.Wrapf(ErrWrongServer, "token is for %s", token.ServerAddr)
	}
	if token.Expired(now) {
		return ConnectToken{}, ErrTokenExpired
	}
	return token, nil
}

func sign(key, body []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(body)
	return h.Sum(nil)
}
