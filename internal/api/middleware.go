/**
 * @description
 * Authentication middleware for the pool API. Bearer tokens are RS256 JWTs verified against a
 * JWKS endpoint; the caller's wallet comes from the `wallet` claim, falling back to `sub`.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 * - internal/address: wallet identity parsing.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ajo/pool-service/internal/address"
)

type walletContextKey string

const callerWalletKey walletContextKey = "callerWallet"

const jwksCacheTTL = 10 * time.Minute

// Authenticator validates bearer tokens against a JWKS endpoint.
type Authenticator struct {
	jwksURL  string
	issuer   string
	audience string
	client   *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewAuthenticator creates an Authenticator. issuer and audience are enforced when non-empty.
func NewAuthenticator(jwksURL, issuer, audience string) *Authenticator {
	return &Authenticator{
		jwksURL:  strings.TrimSpace(jwksURL),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		client:   &http.Client{Timeout: 10 * time.Second},
		keys:     make(map[string]*rsa.PublicKey),
	}
}

// Middleware rejects requests without a valid bearer token and stores the caller's wallet in
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.jwksURL == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Authentication is not configured"})
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Authorization header required"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid Authorization header format"})
			return
		}

		wallet, err := a.authenticate(r.Context(), tokenString)
		if err != nil {
			log.Printf("level=warn component=api op=auth path=%s msg=\"token rejected\" err=%v", r.URL.Path, err)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid token"})
			return
		}

		ctx := context.WithValue(r.Context(), callerWalletKey, wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(ctx context.Context, tokenString string) (solana.PublicKey, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("kid not found in token header")
		}
		return a.publicKey(ctx, kid)
	}, opts...)
	if err != nil {
		return solana.PublicKey{}, err
	}

	subject, _ := claims["wallet"].(string)
	if strings.TrimSpace(subject) == "" {
		subject, _ = claims["sub"].(string)
	}
	wallet, err := address.ParseIdentity(subject)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("token subject is not a wallet: %w", err)
	}
	return wallet, nil
}

// publicKey returns the key for kid, refreshing the JWKS when the cache is stale or the kid
// is unknown.
func (a *Authenticator) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	a.mu.RLock()
	key, ok := a.keys[kid]
	fresh := time.Since(a.fetchedAt) < jwksCacheTTL
	a.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	keys, err := a.fetchJWKS(ctx)
	if err != nil {
		if ok {
			log.Printf("level=warn component=api op=jwks msg=\"refresh failed; using cached key\" err=%v", err)
			return key, nil
		}
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	a.mu.Lock()
	a.keys = keys
	a.fetchedAt = time.Now()
	a.mu.Unlock()

	key, ok = keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (a *Authenticator) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		if jwk.Kty != "RSA" || jwk.Kid == "" {
			continue
		}
		key, err := parseRSAPublicKey(jwk.N, jwk.E)
		if err != nil {
			log.Printf("level=warn component=api op=jwks kid=%s msg=\"skipping malformed key\" err=%v", jwk.Kid, err)
			continue
		}
		keys[jwk.Kid] = key
	}
	return keys, nil
}

// parseRSAPublicKey builds an RSA public key from base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(eb) == 0 || len(eb) > 4 {
		return nil, fmt.Errorf("invalid exponent length %d", len(eb))
	}

	var exp int
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}

// CallerWallet retrieves the authenticated wallet from the request context.
func CallerWallet(ctx context.Context) (solana.PublicKey, bool) {
	wallet, ok := ctx.Value(callerWalletKey).(solana.PublicKey)
	return wallet, ok
}
