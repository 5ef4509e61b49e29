package exchange

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType represents the authentication method
type AuthType string

const (
	AuthTypeHMAC AuthType = "hmac"
	AuthTypeJWT  AuthType = "jwt"
)

// Authenticator signs a private request. params is the full parameter set
// that will be sent as the query string; implementations may add to it.
type Authenticator interface {
	Authenticate(req *http.Request, params url.Values) error
}

// HMACAuthenticator signs the query string with the API secret and sends
// the key in a header.
type HMACAuthenticator struct {
	apiKey     string
	apiSecret  string
	recvWindow time.Duration
	now        func() time.Time
}

func NewHMACAuthenticator(apiKey, apiSecret string, recvWindow time.Duration) *HMACAuthenticator {
	return &HMACAuthenticator{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: recvWindow,
		now:        time.Now,
	}
}

func (h *HMACAuthenticator) Authenticate(req *http.Request, params url.Values) error {
	params.Set("timestamp", strconv.FormatInt(h.now().UnixMilli(), 10))
	if h.recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(h.recvWindow.Milliseconds(), 10))
	}
	payload := params.Encode()
	req.URL.RawQuery = payload + "&signature=" + computeHMAC(payload, h.apiSecret)
	req.Header.Set("X-MBX-APIKEY", h.apiKey)
	return nil
}

func computeHMAC(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// JWTAuthenticator issues a short-lived ES256 bearer token per request, for
// venues and proxies that use key-name + EC key credentials.
type JWTAuthenticator struct {
	apiKeyName string
	privateKey *ecdsa.PrivateKey
	now        func() time.Time
}

func NewJWTAuthenticator(apiKeyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		apiKeyName: apiKeyName,
		privateKey: privateKey,
		now:        time.Now,
	}, nil
}

func (j *JWTAuthenticator) Authenticate(req *http.Request, params url.Values) error {
	params.Set("timestamp", strconv.FormatInt(j.now().UnixMilli(), 10))
	req.URL.RawQuery = params.Encode()

	token, err := j.generateJWT(req.Method, req.URL.Host, req.URL.Path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (j *JWTAuthenticator) generateJWT(method, host, path string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := j.now()
	claims := jwt.MapClaims{
		"sub":   j.apiKeyName,
		"iss":   "microflow",
		"nbf":   now.Unix(),
		"exp":   now.Add(2 * time.Minute).Unix(),
		"uri":   method + " " + host + path,
		"nonce": nonce,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.apiKeyName
	token.Header["nonce"] = nonce

	tokenString, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
