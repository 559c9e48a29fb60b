package authkeystore_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gc "gopkg.in/check.v1"

	"github.com/forkmeplease/powersync-service/internal/authkeystore"
)

func Test(t *testing.T) { gc.TestingT(t) }

type StoreSuite struct{}

var _ = gc.Suite(&StoreSuite{})

const testSecret = "unit-test-hmac-secret"

func signToken(c *gc.C, kid string, claims jwt.MapClaims) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString([]byte(testSecret))
	c.Assert(err, gc.IsNil)
	return signed
}

func newStore(audience []string, maxLifetime time.Duration) *authkeystore.Store {
	collector := authkeystore.NewStaticCollector([]authkeystore.Key{
		{KID: "k1", Algorithm: "HS256", PublicKey: []byte(testSecret)},
	})
	return authkeystore.New([]authkeystore.KeyCollector{collector}, audience, maxLifetime)
}

func (s *StoreSuite) TestValidTokenVerifies(c *gc.C) {
	store := newStore([]string{"aud1"}, time.Hour)
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "user-1", "aud": "aud1",
		"iat": now.Unix(), "exp": now.Add(time.Minute).Unix(),
	}
	token := signToken(c, "k1", claims)

	got, err := store.Verify(context.Background(), token)
	c.Assert(err, gc.IsNil)
	c.Assert(got.Subject, gc.Equals, "user-1")
}

func (s *StoreSuite) TestExpiredTokenRejected(c *gc.C) {
	store := newStore([]string{"aud1"}, time.Hour)
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "user-1", "aud": "aud1",
		"iat": now.Add(-time.Hour).Unix(), "exp": now.Add(-time.Minute).Unix(),
	}
	token := signToken(c, "k1", claims)

	_, err := store.Verify(context.Background(), token)
	c.Assert(err, gc.ErrorMatches, ".*expired.*")
}

func (s *StoreSuite) TestUnknownKidReturnsKeyNotFound(c *gc.C) {
	store := newStore([]string{"aud1"}, time.Hour)
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "user-1", "aud": "aud1",
		"iat": now.Unix(), "exp": now.Add(time.Minute).Unix(),
	}
	token := signToken(c, "does-not-exist", claims)

	_, err := store.Verify(context.Background(), token)
	c.Assert(err, gc.ErrorMatches, ".*no matching signing key found.*")
}

func (s *StoreSuite) TestAudienceMismatchRejected(c *gc.C) {
	store := newStore([]string{"aud1"}, time.Hour)
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "user-1", "aud": "some-other-aud",
		"iat": now.Unix(), "exp": now.Add(time.Minute).Unix(),
	}
	token := signToken(c, "k1", claims)

	_, err := store.Verify(context.Background(), token)
	c.Assert(err, gc.ErrorMatches, ".*audience.*")
}

func (s *StoreSuite) TestMaxLifetimeExceededRejected(c *gc.C) {
	store := newStore([]string{"aud1"}, time.Minute)
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "user-1", "aud": "aud1",
		"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
	}
	token := signToken(c, "k1", claims)

	_, err := store.Verify(context.Background(), token)
	c.Assert(err, gc.ErrorMatches, ".*lifetime.*")
}

func (s *StoreSuite) TestMissingSubjectRejected(c *gc.C) {
	store := newStore([]string{"aud1"}, time.Hour)
	now := time.Now()
	claims := jwt.MapClaims{
		"aud": "aud1", "iat": now.Unix(), "exp": now.Add(time.Minute).Unix(),
	}
	token := signToken(c, "k1", claims)

	_, err := store.Verify(context.Background(), token)
	c.Assert(err, gc.ErrorMatches, ".*missing.*")
}

func (s *StoreSuite) TestSupabaseIssuerHintOnKeyNotFound(c *gc.C) {
	store := newStore([]string{"aud1"}, time.Hour)
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "user-1", "aud": "aud1", "iss": "https://xyzco.supabase.co/auth/v1",
		"iat": now.Unix(), "exp": now.Add(time.Minute).Unix(),
	}
	token := signToken(c, "unknown-kid", claims)

	_, err := store.Verify(context.Background(), token)
	c.Assert(err, gc.ErrorMatches, ".*[Ss]upabase.*")
}

func (s *StoreSuite) TestParsePublicKeyPEMRejectsUnknownAlgorithm(c *gc.C) {
	_, err := authkeystore.ParsePublicKeyPEM("HS256", "not-pem-data")
	c.Assert(err, gc.NotNil)
}
