package webbridge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rhythmsession/server/internal/config"
	"github.com/rhythmsession/server/internal/ratelimit"
)

const adminSessionCookie = "admin_session"

// adminClaims is the admin session JWT's claim set: just an admin-name
// subject and the registered expiry, signed HS256 with the configured
// session secret. There is no OIDC/JWKS flow here — this is a local
// single-operator credential, not a federated identity.
type adminClaims struct {
	jwt.RegisteredClaims
}

// adminAuth verifies the two admin entry points the spec names: the
// AES-256-CBC short-lived secret token (for scripts/automation) and the
// JWT session cookie issued by form login (for the admin web UI).
type adminAuth struct {
	cfg     *config.Config
	limiter *ratelimit.RateLimiter
}

func newAdminAuth(cfg *config.Config, limiter *ratelimit.RateLimiter) *adminAuth {
	return &adminAuth{cfg: cfg, limiter: limiter}
}

// requireAdmin accepts either a valid X-Admin-Secret header or a valid
// admin session cookie. Either is sufficient; state-changing routes also
// run requireCSRFOrigin afterward.
func (a *adminAuth) requireAdmin(c *gin.Context) {
	if secret := c.GetHeader("X-Admin-Secret"); secret != "" {
		if a.verifySecretToken(secret) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
		return
	}

	cookie, err := c.Cookie(adminSessionCookie)
	if err != nil || !a.verifySessionCookie(cookie) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin authentication required"})
		return
	}
	c.Next()
}

// requireCSRFOrigin rejects state-changing requests whose Origin or
// Referer does not match a configured allowed origin, the same
// scheme+host comparison the WebSocket upgrade uses.
func (a *adminAuth) requireCSRFOrigin(c *gin.Context) {
	origin := c.GetHeader("Origin")
	if origin == "" {
		origin = c.GetHeader("Referer")
	}
	if origin == "" {
		c.Next() // non-browser caller (script using X-Admin-Secret); nothing to check
		return
	}
	if !originAllowed(origin, allowedOriginsFromConfig(a.cfg)) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}
	c.Next()
}

func allowedOriginsFromConfig(cfg *config.Config) []string {
	if cfg.AllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	origins := strings.Split(cfg.AllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}

// verifySecretToken checks hdr against AES-256-CBC(key=sha256(AdminSecret))
// of "YYYY-MM-DD_<ADMIN_SECRET>_xy521" for today's UTC date, hex-decoded
// as iv‖ciphertext. The constant suffix and date binding make the token
// both short-lived (one calendar day) and unguessable without the secret.
func (a *adminAuth) verifySecretToken(hdr string) bool {
	raw, err := hex.DecodeString(hdr)
	if err != nil || len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return false
	}
	key := sha256.Sum256([]byte(a.cfg.AdminSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return false
	}
	plaintext := make([]byte, len(raw)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, raw[:aes.BlockSize]).CryptBlocks(plaintext, raw[aes.BlockSize:])
	expected := pkcs7Pad([]byte(time.Now().UTC().Format("2006-01-02")+"_"+a.cfg.AdminSecret+"_xy521"), aes.BlockSize)
	return subtle.ConstantTimeCompare(plaintext, expected) == 1
}

func encryptSecretToken(adminSecret string, date time.Time) (string, error) {
	plaintext := []byte(date.Format("2006-01-02") + "_" + adminSecret + "_xy521")
	key := sha256.Sum256([]byte(adminSecret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + hex.EncodeToString(ciphertext), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

// handleLogin implements the form-based admin login: timing-safe
// credential comparison, an 8-failed-attempt-per-IP lockout enforced by
// the shared rate limiter, and a JWT session cookie on success.
func (a *adminAuth) handleLogin(c *gin.Context) {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	ok, err := a.limiter.CheckAdminLogin(ctx, ip)
	if err == nil && !ok {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many failed attempts, try again later"})
		return
	}

	name := c.PostForm("name")
	password := c.PostForm("password")

	nameOK := subtle.ConstantTimeCompare([]byte(name), []byte(a.cfg.AdminName)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.cfg.AdminPassword)) == 1
	if !nameOK || !passOK {
		a.limiter.RecordAdminLoginFailure(ctx, ip)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := a.issueSessionCookie(name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue session"})
		return
	}

	secure := a.cfg.GoEnv == "production"
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(adminSessionCookie, token, int((24*time.Hour).Seconds()), "/", "", secure, true)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *adminAuth) issueSessionCookie(name string) (string, error) {
	claims := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.SessionSecret))
}

func (a *adminAuth) verifySessionCookie(raw string) bool {
	if raw == "" {
		return false
	}
	token, err := jwt.ParseWithClaims(raw, &adminClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(a.cfg.SessionSecret), nil
	})
	return err == nil && token.Valid
}
