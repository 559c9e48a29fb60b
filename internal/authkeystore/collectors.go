package authkeystore

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/forkmeplease/powersync-service/internal/domain"
)

// StaticCollector serves a fixed set of operator-configured keys
// (spec.md §4.8's "static" KeyCollector).
type StaticCollector struct {
	keys []Key
}

func NewStaticCollector(keys []Key) *StaticCollector { return &StaticCollector{keys: keys} }

func (c *StaticCollector) Keys(context.Context) ([]Key, error) { return c.keys, nil }
func (c *StaticCollector) Refresh(context.Context)              {}

// SupabaseSecretCollector is the "Supabase-style shared-secret shim":
// Supabase projects sign access tokens with a single HS256 secret rather
// than publishing a JWKS.
type SupabaseSecretCollector struct {
	secret []byte
	issuer string
}

func NewSupabaseSecretCollector(secret []byte, issuer string) *SupabaseSecretCollector {
	return &SupabaseSecretCollector{secret: secret, issuer: issuer}
}

func (c *SupabaseSecretCollector) Keys(context.Context) ([]Key, error) {
	return []Key{{KID: "", Algorithm: "HS256", PublicKey: c.secret, Issuer: c.issuer}}, nil
}
func (c *SupabaseSecretCollector) Refresh(context.Context) {}

// JWKSCollector resolves a remote JWKS endpoint with a cached-with-
// refresh wrapper and an optional IP-range check on the endpoint's
// host: when allowed ranges are configured, a fetch is refused unless
// the host resolves to an address inside one of them; with no ranges
// configured, any address is accepted. The cached set is re-fetched by
// the next Keys call once it is older than its TTL, and Refresh
// re-fetches it in the background on demand (spec.md §4.8 step 5).
type JWKSCollector struct {
	url         string
	httpClient  *retryablehttp.Client
	allowedCIDR []*net.IPNet
	maxLifetime time.Duration

	refreshLocks *kmutex.Kmutex
	refreshKey   string

	mu      sync.RWMutex
	cached  jwk.Set
	fetched time.Time
	ttl     time.Duration
}

// NewJWKSCollector builds a collector for one JWKS URL. allowedCIDR, if
// non-empty, restricts resolved IPs to those ranges.
func NewJWKSCollector(url string, ttl time.Duration, allowedCIDR []*net.IPNet, refreshLocks *kmutex.Kmutex) *JWKSCollector {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &JWKSCollector{
		url:          url,
		httpClient:   client,
		allowedCIDR:  allowedCIDR,
		refreshLocks: refreshLocks,
		refreshKey:   url,
		ttl:          ttl,
	}
}

func (c *JWKSCollector) Keys(ctx context.Context) ([]Key, error) {
	c.mu.RLock()
	fresh := c.cached != nil && time.Since(c.fetched) < c.ttl
	set := c.cached
	c.mu.RUnlock()
	if fresh {
		return keysFromSet(set, c.maxLifetime), nil
	}
	if err := c.fetch(ctx); err != nil {
		c.mu.RLock()
		stale := c.cached
		c.mu.RUnlock()
		if stale != nil {
			logger.Warningf("JWKS refresh for %s failed, serving stale keys: %v", c.url, err)
			return keysFromSet(stale, c.maxLifetime), nil
		}
		return nil, errors.Annotate(domain.ErrJWKSFetchFailed, err.Error())
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keysFromSet(c.cached, c.maxLifetime), nil
}

func (c *JWKSCollector) Refresh(ctx context.Context) {
	go func() {
		if err := c.fetch(context.Background()); err != nil {
			logger.Warningf("background JWKS refresh for %s failed: %v", c.url, err)
		}
	}()
	_ = ctx
}

func (c *JWKSCollector) fetch(ctx context.Context) error {
	c.refreshLocks.Lock(c.refreshKey)
	defer c.refreshLocks.Unlock(c.refreshKey)

	if err := c.checkAllowedHost(ctx); err != nil {
		return errors.Trace(err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return errors.Trace(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("JWKS fetch %s: status %d", c.url, resp.StatusCode)
	}
	set, err := jwk.ParseReader(resp.Body)
	if err != nil {
		return errors.Annotate(err, "parsing JWKS")
	}

	c.mu.Lock()
	c.cached = set
	c.fetched = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *JWKSCollector) checkAllowedHost(ctx context.Context) error {
	if len(c.allowedCIDR) == 0 {
		return nil
	}
	host := c.url
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return errors.Annotate(err, "resolving JWKS host")
	}
	for _, ip := range ips {
		for _, allowed := range c.allowedCIDR {
			if allowed.Contains(ip.IP) {
				return nil
			}
		}
	}
	return errors.Errorf("JWKS host %s resolved outside allowed ranges", host)
}

func keysFromSet(set jwk.Set, maxLifetime time.Duration) []Key {
	if set == nil {
		return nil
	}
	out := make([]Key, 0, set.Len())
	it := set.Keys(context.Background())
	for it.Next(context.Background()) {
		k := it.Pair().Value.(jwk.Key)
		var raw any
		if err := k.Raw(&raw); err != nil {
			continue
		}
		out = append(out, Key{
			KID:         k.KeyID(),
			Algorithm:   string(k.Algorithm().String()),
			PublicKey:   raw,
			MaxLifetime: maxLifetime,
		})
	}
	return out
}
