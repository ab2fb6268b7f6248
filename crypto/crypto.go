// Package crypto provides cryptography functions for hashing channel credentials, deriving stream
// encryption keys, and generating and loading TLS keys and certificates
package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	// KeyLenBytes is a constant that defines the length of the key that is derived from the password (256-bit)
	KeyLenBytes = 32

	// KeyDerivIter is the number of PBKDF2 iterations used to derive the key from the password
	KeyDerivIter = 10000

	// CipherSaltLenBytes is the length of the random per-stream salt used to derive encryption keys
	CipherSaltLenBytes = 16

	keySaltLenBytes  = 10
	credentialSalt   = "rpipe-auth:"
	adminRealm       = "/admin"
	scryptN          = 1 << 14
	scryptR          = 8
	scryptP          = 1
	certNotBeforeAge = -time.Hour * 24 * 7      // ~ 1 week
	certNotAfterAge  = time.Hour * 24 * 365 * 3 // ~ 3 years
)

var (
	keyEncodingRegex = regexp.MustCompile(`^([^:]+):(.+)$`)

	errInvalidKeyFormat = errors.New("invalid key format")
	errNoCertFound      = errors.New("no cert found in file")
)

// Key is the hashed form of a channel credential as the server keeps it. It consists of the raw
// PBKDF2 output and the randomly generated salt.
type Key struct {
	Bytes []byte
	Salt  []byte
}

// GenerateKey generates a new random salt and then derives a key from the given credential using
// the DeriveKey function. This function is used when a channel is created by its first writer.
func GenerateKey(credential []byte) (*Key, error) {
	salt := make([]byte, keySaltLenBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return DeriveKey(credential, salt), nil
}

// DeriveKey derives a key using PBKDF2 from the given credential, using the given salt. This function
// can be used to derive and then verify a key from a known salt and credential.
func DeriveKey(credential []byte, salt []byte) *Key {
	return &Key{
		Bytes: pbkdf2.Key(credential, salt, KeyDerivIter, KeyLenBytes, sha256.New),
		Salt:  salt,
	}
}

// Matches checks in constant time whether the credential hashes to this key
func (k *Key) Matches(credential []byte) bool {
	derived := DeriveKey(credential, k.Salt)
	return subtle.ConstantTimeCompare(derived.Bytes, k.Bytes) == 1
}

// EncodeKey encodes the raw key and salt into a string in the format SALT:KEY, with both parts
// being base64 encoded.
func EncodeKey(key *Key) string {
	if key == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", base64.StdEncoding.EncodeToString(key.Salt),
		base64.StdEncoding.EncodeToString(key.Bytes))
}

// DecodeKey decodes a key that was previously encoded with the EncodeKey function.
func DecodeKey(s string) (*Key, error) {
	matches := keyEncodingRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, errInvalidKeyFormat
	}
	rawSalt, err := base64.StdEncoding.DecodeString(matches[1])
	if err != nil {
		return nil, errInvalidKeyFormat
	}
	rawKey, err := base64.StdEncoding.DecodeString(matches[2])
	if err != nil {
		return nil, errInvalidKeyFormat
	}
	if len(rawKey) != KeyLenBytes || len(rawSalt) != keySaltLenBytes {
		return nil, errInvalidKeyFormat
	}
	return &Key{
		Bytes: rawKey,
		Salt:  rawSalt,
	}, nil
}

// DeriveCredential derives the credential a client presents to the server for a channel from the channel
// password. The salt is fixed per channel, so all clients of a channel derive the same credential.
func DeriveCredential(password []byte, channel string) string {
	key := pbkdf2.Key(password, []byte(credentialSalt+channel), KeyDerivIter, KeyLenBytes, sha256.New)
	return base64.RawURLEncoding.EncodeToString(key)
}

// DeriveAdminCredential derives the credential an admin presents to the server from the admin password.
// The admin realm is not a valid channel name, so it never equals a channel credential.
func DeriveAdminCredential(password []byte) string {
	return DeriveCredential(password, adminRealm)
}

// GenerateAdminKey hashes the admin credential for the AdminKey server setting
func GenerateAdminKey(password []byte) (*Key, error) {
	return GenerateKey([]byte(DeriveAdminCredential(password)))
}

// GenerateCipherSalt returns a fresh random salt for DeriveCipherKey
func GenerateCipherSalt() ([]byte, error) {
	salt := make([]byte, CipherSaltLenBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveCipherKey derives a 256-bit symmetric encryption key from the password using scrypt.
func DeriveCipherKey(password []byte, salt []byte) ([]byte, error) {
	return scrypt.Key(password, salt, scryptN, scryptR, scryptP, KeyLenBytes)
}

// EncodeCert encodes a X.509 certificates as PEM.
func EncodeCert(cert *x509.Certificate) ([]byte, error) {
	var b bytes.Buffer
	err := pem.Encode(&b, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// LoadCertFromFile loads the first PEM-encoded certificate from the given filename
func LoadCertFromFile(filename string) (*x509.Certificate, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	for {
		block, rest := pem.Decode(b)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
		b = rest
	}
	return nil, errNoCertFound
}

// CurlPinnedPublicKey calculates the SHA-256 hash of the public key in cert and encodes it in
// the format that curl's --pinnedpubkey option expects. It returns an empty string for certificates
// that are not self-signed, since curl verifies those on its own.
func CurlPinnedPublicKey(cert *x509.Certificate) (string, error) {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return "", nil
	}
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(der)
	return fmt.Sprintf("sha256//%s", base64.StdEncoding.EncodeToString(hash[:])), nil
}

// GenerateKeyAndCert generates a ECDSA P-256 key, and a self-signed certificate.
// It returns both as PEM-encoded values.
func GenerateKeyAndCert(hostname string) (string, string, error) {
	key, cert, err := generateKeyAndCertRaw(hostname)
	if err != nil {
		return "", "", err
	}
	pemKey, err := encodePrivateKey(key)
	if err != nil {
		return "", "", err
	}
	pemCert, err := EncodeCert(cert)
	if err != nil {
		return "", "", err
	}
	return string(pemKey), string(pemCert), nil
}

func generateKeyAndCertRaw(hostname string) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	max := new(big.Int)
	max.Exp(big.NewInt(2), big.NewInt(130), nil).Sub(max, big.NewInt(1))
	serial, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now().Add(certNotBeforeAge),
		NotAfter:     time.Now().Add(certNotAfterAge),
	}
	derCert, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(derCert)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

func encodePrivateKey(key *ecdsa.PrivateKey) ([]byte, error) {
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := pem.Encode(&b, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
