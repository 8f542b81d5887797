package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const refPrefix = "sha256:"

var (
	// ErrNotFound indicates the requested content is not stored.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidRef indicates a reference that is not a well formed content digest.
	ErrInvalidRef = errors.New("invalid document reference")
)

// Ref is a stable, comparable handle for stored content derived from its SHA-256 digest.
type Ref string

// Store persists immutable content addressed by its digest.
type Store interface {
	Put(ctx context.Context, data []byte) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
	Exists(ctx context.Context, ref Ref) (bool, error)
}

// RefFor computes the reference a store assigns to data.
func RefFor(data []byte) Ref {
	sum := sha256.Sum256(data)
	return Ref(refPrefix + hex.EncodeToString(sum[:]))
}

// Digest returns the hex digest portion of the reference.
func (r Ref) Digest() (string, error) {
	value := string(r)
	if !strings.HasPrefix(value, refPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, value)
	}

	digest := strings.TrimPrefix(value, refPrefix)
	if len(digest) != sha256.Size*2 || !isLowerHex(digest) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, value)
	}

	return digest, nil
}

func isLowerHex(value string) bool {
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Validate reports whether the reference is in the canonical form RefFor produces.
// Equal content always has equal references, so refs double as cache keys.
func (r Ref) Validate() error {
	_, err := r.Digest()
	return err
}

func (r Ref) String() string {
	return string(r)
}

// Resolve reports whether the reference is well formed and present in the store.
func Resolve(ctx context.Context, store Store, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	ok, err := store.Exists(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	return nil
}
