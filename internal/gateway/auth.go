package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/argon2"
)

// ErrUnauthorized is returned for a missing or invalid credential
var ErrUnauthorized = errors.New("unauthorized")

// JWTService issues and verifies connection tokens
type JWTService struct {
	secretKey   []byte
	issuer      string
	tokenExpiry time.Duration
}

// NewJWTService creates a new JWT service
func NewJWTService(secretKey string, issuer string, expiryHours int) *JWTService {
	return &JWTService{
		secretKey:   []byte(secretKey),
		issuer:      issuer,
		tokenExpiry: time.Duration(expiryHours) * time.Hour,
	}
}

// GenerateToken creates a token whose subject is the user id
func (j *JWTService) GenerateToken(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id cannot be empty")
	}

	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    j.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.tokenExpiry)),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// Verify validates a token and returns the user id it was issued to
func (j *JWTService) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrUnauthorized
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(j.issuer))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if !token.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}

	return claims.Subject, nil
}

// KeyHasher hashes the backend trigger key using Argon2id
type KeyHasher struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

// NewKeyHasher creates a hasher with the default Argon2id settings
func NewKeyHasher() *KeyHasher {
	return &KeyHasher{
		memory:      64 * 1024, // 64 MB
		iterations:  3,
		parallelism: 2,
		saltLength:  16,
		keyLength:   32,
	}
}

// Hash creates an encoded Argon2id hash of key
func (k *KeyHasher) Hash(key string) (string, error) {
	salt := make([]byte, k.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, k.iterations, k.memory, k.parallelism, k.keyLength)

	// Format: $argon2id$v=19$m=65536,t=3,p=2$salt$hash
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%x$%x",
		argon2.Version, k.memory, k.iterations, k.parallelism, salt, hash)

	return encoded, nil
}

// Verify checks key against an encoded hash
func (k *KeyHasher) Verify(key, encodedHash string) (bool, error) {
	memory, iterations, parallelism, salt, hash, err := k.parseHash(encodedHash)
	if err != nil {
		return false, fmt.Errorf("failed to parse hash: %w", err)
	}

	inputHash := argon2.IDKey([]byte(key), salt, iterations, memory, parallelism, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, inputHash) == 1, nil
}

func (k *KeyHasher) parseHash(encodedHash string) (memory uint32, iterations uint32, parallelism uint8, salt, hash []byte, err error) {
	var version int
	n, err := fmt.Sscanf(encodedHash, "$argon2id$v=%d$m=%d,t=%d,p=%d$%x$%x",
		&version, &memory, &iterations, &parallelism, &salt, &hash)
	if err != nil || n != 6 {
		return 0, 0, 0, nil, nil, fmt.Errorf("invalid hash format")
	}

	if version != argon2.Version {
		return 0, 0, 0, nil, nil, fmt.Errorf("incompatible version")
	}

	return memory, iterations, parallelism, salt, hash, nil
}

// bearerToken extracts the credential from "Authorization: Bearer" or, for
// browsers that cannot set headers on a websocket handshake, ?token=
func bearerToken(r *http.Request) string {
	const bearerPrefix = "Bearer "
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return r.URL.Query().Get("token")
}

const (
	maxTriggerKeyLength = 256 // longer keys are rejected before hashing
	triggerVerifySlots  = 2   // concurrent argon2 derivations
	triggerKeyCacheSize = 16
)

// TriggerAuth guards the background trigger endpoint with a shared key.
// Keys that verified once are remembered by digest, so only new keys pay for
// an argon2 derivation, and only a few of those run at a time.
type TriggerAuth struct {
	hasher   *KeyHasher
	hash     string
	verified *lru.Cache[[sha256.Size]byte, struct{}]
	slots    chan struct{}
}

// NewTriggerAuth creates the middleware for an encoded key hash
func NewTriggerAuth(hasher *KeyHasher, hash string) *TriggerAuth {
	verified, _ := lru.New[[sha256.Size]byte, struct{}](triggerKeyCacheSize)
	return &TriggerAuth{
		hasher:   hasher,
		hash:     hash,
		verified: verified,
		slots:    make(chan struct{}, triggerVerifySlots),
	}
}

// RequireKey rejects requests without a matching Bearer key
func (t *TriggerAuth) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "Authorization header must start with 'Bearer '", http.StatusUnauthorized)
			return
		}

		key := strings.TrimSpace(header[len("Bearer "):])
		if key == "" || len(key) > maxTriggerKeyLength {
			http.Error(w, "Invalid trigger key", http.StatusUnauthorized)
			return
		}

		digest := sha256.Sum256([]byte(key))
		if !t.verified.Contains(digest) {
			select {
			case t.slots <- struct{}{}:
			default:
				http.Error(w, "Too many key verifications in progress", http.StatusTooManyRequests)
				return
			}
			ok, err := t.hasher.Verify(key, t.hash)
			<-t.slots
			if err != nil || !ok {
				http.Error(w, "Invalid trigger key", http.StatusUnauthorized)
				return
			}
			t.verified.Add(digest, struct{}{})
		}

		next.ServeHTTP(w, r)
	})
}
