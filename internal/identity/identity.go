// Package identity resolves bearer tokens to user ids.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyresolve/internal/crypto"
	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// AuthMessage is the text a wallet signs to authenticate.
func AuthMessage(address common.Address, issuedAt time.Time) string {
	return fmt.Sprintf("polyresolve:auth:%s:%d", address.Hex(), issuedAt.Unix())
}

// SignToken builds a wallet token "{address}.{issuedAtUnix}.{signature}".
func SignToken(s *crypto.Signer, issuedAt time.Time) (string, error) {
	sig, err := s.SignPersonal([]byte(AuthMessage(s.Address(), issuedAt)))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%d.%s", s.Address().Hex(), issuedAt.Unix(), sig), nil
}

// WalletResolver accepts personal-sign tokens and returns the checksummed
// address as the user id.
type WalletResolver struct {
	maxAge time.Duration
	skew   time.Duration
	now    func() time.Time
}

// NewWalletResolver creates a WalletResolver. Tokens older than maxAge are
// refused.
func NewWalletResolver(maxAge time.Duration) *WalletResolver {
	return &WalletResolver{maxAge: maxAge, skew: 30 * time.Second, now: time.Now}
}

// Resolve verifies token and returns its signer.
func (w *WalletResolver) Resolve(_ context.Context, token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || !common.IsHexAddress(parts[0]) {
		return "", fmt.Errorf("%w: malformed wallet token", domain.ErrUnauthorized)
	}
	addr := common.HexToAddress(parts[0])
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: malformed wallet token timestamp", domain.ErrUnauthorized)
	}
	issued := time.Unix(ts, 0)
	now := w.now()
	if issued.After(now.Add(w.skew)) || now.Sub(issued) > w.maxAge {
		return "", fmt.Errorf("%w: wallet token expired", domain.ErrUnauthorized)
	}

	signer, err := crypto.RecoverPersonal([]byte(AuthMessage(addr, issued)), parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	if signer != addr {
		return "", fmt.Errorf("%w: wallet token signature mismatch", domain.ErrUnauthorized)
	}
	return addr.Hex(), nil
}

// StaticResolver maps configured API keys to user ids.
type StaticResolver struct {
	keys map[string]string
}

// NewStaticResolver creates a resolver from key -> user id.
func NewStaticResolver(keys map[string]string) *StaticResolver {
	cp := make(map[string]string, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &StaticResolver{keys: cp}
}

// Resolve compares token against every key in constant time.
func (s *StaticResolver) Resolve(_ context.Context, token string) (string, error) {
	var user string
	for k, v := range s.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			user = v
		}
	}
	if user == "" {
		return "", fmt.Errorf("%w: unknown api key", domain.ErrUnauthorized)
	}
	return user, nil
}

// Chain tries each resolver in order and returns the first success. Errors
// other than ErrUnauthorized stop the chain.
type Chain []domain.Identity

// Resolve implements domain.Identity.
func (c Chain) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	for _, r := range c {
		user, err := r.Resolve(ctx, token)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, domain.ErrUnauthorized) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no resolver accepted the token", domain.ErrUnauthorized)
}

// Compile-time interface checks.
var (
	_ domain.Identity = (*WalletResolver)(nil)
	_ domain.Identity = (*StaticResolver)(nil)
	_ domain.Identity = Chain(nil)
)
