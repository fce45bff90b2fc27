package kconsume

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// SASLMechanism selects the authentication mechanism kconsume negotiates
// with the broker before issuing any Fetch/Commit requests.
type SASLMechanism int

const (
	SASLNone SASLMechanism = iota
	SASLPlain
	SASLScramSHA256
	SASLScramSHA512
)

// SASLConfig carries the credentials for the chosen mechanism.
type SASLConfig struct {
	Mechanism SASLMechanism
	User      string
	Pass      string
}

func (m SASLMechanism) wireName() string {
	switch m {
	case SASLPlain:
		return "PLAIN"
	case SASLScramSHA256:
		return "SCRAM-SHA-256"
	case SASLScramSHA512:
		return "SCRAM-SHA-512"
	default:
		return ""
	}
}

// authenticate runs SaslHandshake followed by one or more SaslAuthenticate
// round trips, the same two-request dance franz-go's own SASL support
// performs, adapted here for PLAIN and SCRAM only (no GSSAPI/Kerberos —
// that lives in the teacher's separate pkg/sasl/kerberos module, out of
// scope for this consumer).
func (b *broker) authenticate(ctx context.Context, cfg SASLConfig) error {
	hs := kmsg.NewSASLHandshakeRequest()
	hs.Mechanism = cfg.Mechanism.wireName()
	hsResp := kmsg.NewSASLHandshakeResponse()
	if err := b.roundTrip(ctx, hs.Key(), hs.Version, &hs, &hsResp); err != nil {
		return fmt.Errorf("kconsume: SASL handshake: %w", err)
	}
	if err := kerrFromCode(hsResp.ErrorCode); err != nil {
		return fmt.Errorf("kconsume: broker rejected mechanism %s: %w", cfg.Mechanism.wireName(), err)
	}

	switch cfg.Mechanism {
	case SASLPlain:
		return b.authPlain(ctx, cfg)
	case SASLScramSHA256:
		return b.authScram(ctx, cfg, sha256.New, 32)
	case SASLScramSHA512:
		return b.authScram(ctx, cfg, sha512.New, 64)
	default:
		return fmt.Errorf("kconsume: unsupported SASL mechanism %d", cfg.Mechanism)
	}
}

func (b *broker) authPlain(ctx context.Context, cfg SASLConfig) error {
	msg := fmt.Sprintf("\x00%s\x00%s", cfg.User, cfg.Pass)
	return b.saslAuthenticate(ctx, []byte(msg))
}

func (b *broker) saslAuthenticate(ctx context.Context, bytes []byte) error {
	req := kmsg.NewSASLAuthenticateRequest()
	req.SASLAuthBytes = bytes
	resp := kmsg.NewSASLAuthenticateResponse()
	if err := b.roundTrip(ctx, req.Key(), req.Version, &req, &resp); err != nil {
		return err
	}
	return kerrFromCode(resp.ErrorCode)
}

// authScram implements the client side of RFC 5802 SCRAM, the same
// PBKDF2 + HMAC construction golang.org/x/crypto/pbkdf2 backs for
// franz-go's own SCRAM client (pkg/sasl/scram in the teacher's module).
func (b *broker) authScram(ctx context.Context, cfg SASLConfig, newHash func() hash.Hash, keyLen int) error {
	clientNonce := randomNonce()
	clientFirst := fmt.Sprintf("n=%s,r=%s", cfg.User, clientNonce)
	gs2Header := "n,,"

	req := kmsg.NewSASLAuthenticateRequest()
	req.SASLAuthBytes = []byte(gs2Header + clientFirst)
	resp := kmsg.NewSASLAuthenticateResponse()
	if err := b.roundTrip(ctx, req.Key(), req.Version, &req, &resp); err != nil {
		return fmt.Errorf("kconsume: SCRAM client-first: %w", err)
	}
	if err := kerrFromCode(resp.ErrorCode); err != nil {
		return err
	}

	serverFirst := string(resp.SASLAuthBytes)
	salt, iterCount, serverNonce, err := parseScramServerFirst(serverFirst)
	if err != nil {
		return fmt.Errorf("kconsume: parsing SCRAM server-first: %w", err)
	}

	saltedPassword := pbkdf2.Key([]byte(cfg.Pass), salt, iterCount, keyLen, newHash)
	clientFinalNoProof := fmt.Sprintf("c=%s,r=%s", base64.StdEncoding.EncodeToString([]byte(gs2Header)), serverNonce)
	authMessage := clientFirst + "," + serverFirst + "," + clientFinalNoProof

	clientKey := hmacSum(newHash, saltedPassword, []byte("Client Key"))
	storedKey := hashSum(newHash, clientKey)
	clientSignature := hmacSum(newHash, storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinal := fmt.Sprintf("%s,p=%s", clientFinalNoProof, base64.StdEncoding.EncodeToString(clientProof))

	req2 := kmsg.NewSASLAuthenticateRequest()
	req2.SASLAuthBytes = []byte(clientFinal)
	resp2 := kmsg.NewSASLAuthenticateResponse()
	if err := b.roundTrip(ctx, req2.Key(), req2.Version, &req2, &resp2); err != nil {
		return fmt.Errorf("kconsume: SCRAM client-final: %w", err)
	}
	return kerrFromCode(resp2.ErrorCode)
}

func randomNonce() string {
	var b [18]byte
	_, _ = rand.Read(b[:])
	return base64.RawStdEncoding.EncodeToString(b[:])
}

func hmacSum(newHash func() hash.Hash, key, data []byte) []byte {
	h := hmac.New(newHash, key)
	h.Write(data)
	return h.Sum(nil)
}

func hashSum(newHash func() hash.Hash, data []byte) []byte {
	h := newHash()
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// parseScramServerFirst extracts salt, iteration count, and the combined
// nonce from a server-first SCRAM message of the form "r=...,s=...,i=...".
func parseScramServerFirst(msg string) (salt []byte, iterCount int, nonce string, err error) {
	for _, field := range strings.Split(msg, ",") {
		if len(field) < 2 || field[1] != '=' {
			continue
		}
		switch field[0] {
		case 'r':
			nonce = field[2:]
		case 's':
			salt, err = base64.StdEncoding.DecodeString(field[2:])
			if err != nil {
				return nil, 0, "", err
			}
		case 'i':
			if _, scanErr := fmt.Sscanf(field[2:], "%d", &iterCount); scanErr != nil {
				return nil, 0, "", scanErr
			}
		}
	}
	if nonce == "" || salt == nil || iterCount == 0 {
		return nil, 0, "", fmt.Errorf("kconsume: malformed SCRAM server-first message")
	}
	return salt, iterCount, nonce, nil
}
