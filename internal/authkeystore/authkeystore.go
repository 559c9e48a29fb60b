// Package authkeystore implements component H: verifying a client's
// bearer JWT against one or more key collectors (static keys, remote
// JWKS endpoints, Supabase-style shared-secret shims), per spec.md
// §4.8. Error handling follows the
// apiserver/authentication package's pattern of distinct sentinel
// outcomes mapped to specific client-visible errors, rather than one
// generic "unauthorized".
package authkeystore

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"

	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/obslog"
)

var logger = obslog.Get("authkeystore")

// Claims is the subset of JWT claims the sync stream needs once a token
// verifies.
type Claims struct {
	Subject   string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Raw       map[string]any
}

// Key is one verification key a collector can offer.
type Key struct {
	KID          string // empty means "wildcard"
	Algorithm    string
	Audience     []string // empty means "use the store-wide audience list"
	MaxLifetime  time.Duration
	PublicKey    any // crypto.PublicKey, or []byte for HMAC family
	Issuer       string
}

// algFamily groups related JWT "alg" values so ERR_ALG_MISMATCH is only
// raised across families, not between e.g. RS256 and RS384.
func algFamily(alg string) string {
	switch {
	case strings.HasPrefix(alg, "RS"):
		return "RSA"
	case strings.HasPrefix(alg, "PS"):
		return "RSA-PSS"
	case strings.HasPrefix(alg, "ES"):
		return "ECDSA"
	case strings.HasPrefix(alg, "HS"):
		return "HMAC"
	default:
		return alg
	}
}

// ParsePublicKeyPEM decodes a PEM-encoded public key for use as a
// StaticCollector Key.PublicKey, picking the parser the algorithm family
// needs. HMAC algorithms have no PEM form; callers should pass the raw
// secret as Key.PublicKey directly instead.
func ParsePublicKeyPEM(alg, pemData string) (any, error) {
	switch algFamily(alg) {
	case "RSA", "RSA-PSS":
		return jwt.ParseRSAPublicKeyFromPEM([]byte(pemData))
	case "ECDSA":
		return jwt.ParseECPublicKeyFromPEM([]byte(pemData))
	case "EdDSA":
		return jwt.ParseEdPublicKeyFromPEM([]byte(pemData))
	default:
		return nil, errors.Errorf("no PEM parser for algorithm %q", alg)
	}
}

// KeyCollector supplies verification keys, lazily or eagerly refreshed.
type KeyCollector interface {
	Keys(ctx context.Context) ([]Key, error)
	// Refresh triggers an out-of-band update (no-op for static
	// collectors); called on ERR_KEY_NOT_FOUND per spec.md §4.8 step 5.
	Refresh(ctx context.Context)
}

// Store is component H.
type Store struct {
	collectors    []KeyCollector
	audience      []string
	maxLifetime   time.Duration
	supabaseHint  bool
}

// New builds a Store. audience is the server-wide configured audience
// list; maxLifetime bounds exp-iat unless a key overrides it.
func New(collectors []KeyCollector, audience []string, maxLifetime time.Duration) *Store {
	return &Store{collectors: collectors, audience: audience, maxLifetime: maxLifetime}
}

// Verify implements spec.md §4.8's five-step algorithm.
func (s *Store) Verify(ctx context.Context, token string) (Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	unverified, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, errors.Annotate(domain.ErrMissingClaim, "malformed token")
	}
	kidVal, _ := unverified.Header["kid"].(string)
	algVal, _ := unverified.Header["alg"].(string)

	keys, err := s.collectAll(ctx)
	if err != nil {
		return Claims{}, errors.Trace(err)
	}

	key, err := selectKey(keys, kidVal, algVal)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			s.refreshAll(ctx)
			return Claims{}, s.annotateKeyNotFound(unverified)
		}
		return Claims{}, errors.Trace(err)
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return key.PublicKey, nil },
		jwt.WithValidMethods([]string{algVal}))
	if err != nil {
		return Claims{}, errors.Trace(err)
	}

	claims, err := validateClaims(parsed, key, s.audience, s.maxLifetime)
	if err != nil {
		return Claims{}, errors.Trace(err)
	}
	return claims, nil
}

func (s *Store) collectAll(ctx context.Context) ([]Key, error) {
	var all []Key
	for _, c := range s.collectors {
		keys, err := c.Keys(ctx)
		if err != nil {
			logger.Warningf("key collector failed: %v", err)
			continue
		}
		all = append(all, keys...)
	}
	return all, nil
}

func (s *Store) refreshAll(ctx context.Context) {
	for _, c := range s.collectors {
		c.Refresh(ctx)
	}
}

func (s *Store) annotateKeyNotFound(tok *jwt.Token) error {
	iss, _ := tok.Claims.(jwt.MapClaims)["iss"].(string)
	host := iss
	if u, err := url.Parse(iss); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	if strings.HasSuffix(host, ".supabase.co") {
		return errors.Annotatef(domain.ErrKeyNotFound, "issuer %q looks like Supabase; verify the project's JWT secret or enable the Supabase key collector", iss)
	}
	return errors.Trace(domain.ErrKeyNotFound)
}

// selectKey implements spec.md §4.8 steps 2-3.
func selectKey(keys []Key, kid, alg string) (Key, error) {
	if kid != "" {
		for _, k := range keys {
			if k.KID == kid {
				if algFamily(k.Algorithm) != algFamily(alg) {
					return Key{}, errors.Annotatef(domain.ErrAlgMismatch, "kid %q: key alg %q vs token alg %q", kid, k.Algorithm, alg)
				}
				return k, nil
			}
		}
		return Key{}, errors.Trace(domain.ErrKeyNotFound)
	}
	for _, k := range keys {
		if k.KID == "" && algFamily(k.Algorithm) == algFamily(alg) {
			return k, nil
		}
	}
	return Key{}, errors.Trace(domain.ErrKeyNotFound)
}

func validateClaims(tok *jwt.Token, key Key, storeAudience []string, storeMaxLifetime time.Duration) (Claims, error) {
	mc, _ := tok.Claims.(jwt.MapClaims)

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return Claims{}, errors.Annotate(domain.ErrMissingClaim, "sub")
	}
	iat, err := mc.GetIssuedAt()
	if err != nil || iat == nil {
		return Claims{}, errors.Annotate(domain.ErrMissingClaim, "iat")
	}
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return Claims{}, errors.Annotate(domain.ErrMissingClaim, "exp")
	}
	if exp.Before(time.Now()) {
		return Claims{}, errors.Trace(domain.ErrTokenExpired)
	}

	aud, err := mc.GetAudience()
	if err != nil || len(aud) == 0 {
		return Claims{}, errors.Annotate(domain.ErrMissingClaim, "aud")
	}
	allowed := storeAudience
	if len(key.Audience) > 0 {
		allowed = key.Audience
	}
	if !audienceOverlaps(aud, allowed) {
		return Claims{}, errors.Trace(domain.ErrAudMismatch)
	}

	maxLifetime := storeMaxLifetime
	if key.MaxLifetime > 0 {
		maxLifetime = key.MaxLifetime
	}
	if maxLifetime > 0 && exp.Sub(iat.Time) > maxLifetime {
		return Claims{}, errors.Trace(domain.ErrMaxLifetimeExceeded)
	}

	raw := map[string]any(mc)
	return Claims{Subject: sub, Audience: aud, IssuedAt: iat.Time, ExpiresAt: exp.Time, Raw: raw}, nil
}

func audienceOverlaps(tokenAud, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	for _, a := range tokenAud {
		if _, ok := set[a]; ok {
			return true
		}
	}
	return false
}
