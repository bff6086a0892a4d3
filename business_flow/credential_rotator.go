package businessflow

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"golang.org/x/crypto/blake2b"
)

const credentialEntropyBytes = 32

// CredentialRotator issues the bearer credential a client must echo on its next phase call
type CredentialRotator interface {
	Rotate(session *models.WatchSession, now time.Time) (string, error)
}

// Blake2bCredentialRotator mixes fresh randomness with the session identity under a keyed BLAKE2b-256
type Blake2bCredentialRotator struct {
	secret []byte
}

// NewCredentialRotator creates a rotator; secret may be empty, which yields an unkeyed hash
func NewCredentialRotator(secret string) (*Blake2bCredentialRotator, error) {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	// fail fast on an unusable key
	if _, err := blake2b.New256(key); err != nil {
		return nil, fmt.Errorf("invalid credential secret: %w", err)
	}
	return &Blake2bCredentialRotator{secret: key}, nil
}

func (r *Blake2bCredentialRotator) Rotate(session *models.WatchSession, now time.Time) (string, error) {
	if session == nil {
		return "", fmt.Errorf("rotate credential: nil session")
	}

	entropy := make([]byte, credentialEntropyBytes)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("failed to read credential entropy: %w", err)
	}

	h, err := blake2b.New256(r.secret)
	if err != nil {
		return "", err
	}
	var buf [8]byte
	h.Write(entropy)
	h.Write([]byte(session.Token))
	binary.BigEndian.PutUint64(buf[:], uint64(session.ID))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(now.UnixNano()))
	h.Write(buf[:])

	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

// CredentialMatches compares the stored credential with the presented one in constant time.
// A session without a credential never matches.
func CredentialMatches(stored *string, presented string) bool {
	if stored == nil || *stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(*stored), []byte(presented)) == 1
}
