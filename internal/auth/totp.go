package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	totpPeriod = 30
	totpSkew   = 1

	backupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	backupCodeLength  = 8
)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPKey is a freshly generated secret with its provisioning data.
type TOTPKey struct {
	Secret          string // base32
	ProvisioningURI string
	QRCode          string // PNG data URL
}

// TOTPManager handles TOTP generation, encryption, and validation
type TOTPManager struct {
	encryptionKey []byte // AES-256
	issuer        string
	now           func() time.Time
}

// NewTOTPManager creates a new TOTP manager
// encryptionKey must be exactly 32 bytes for AES-256
func NewTOTPManager(encryptionKey []byte, issuer string) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("%w: encryption key must be exactly 32 bytes, got %d", models.ErrConfiguration, len(encryptionKey))
	}
	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
		now:           time.Now,
	}, nil
}

// GenerateKey creates a new secret for accountName along with its otpauth
// URI and a QR code of that URI.
func (tm *TOTPManager) GenerateKey(accountName string) (*TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  20,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &TOTPKey{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM
// Returns: (ciphertext, nonce, error)
func (tm *TOTPManager) EncryptSecret(secret string) ([]byte, []byte, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, []byte(secret), nil), nonce, nil
}

// DecryptSecret decrypts an encrypted TOTP secret
func (tm *TOTPManager) DecryptSecret(ciphertext, nonce []byte) (string, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("failed to decrypt secret: invalid nonce length %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

func (tm *TOTPManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// NormalizeTOTPCode strips spaces and checks the code is six digits.
func NormalizeTOTPCode(code string) (string, error) {
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if len(code) != 6 {
		return "", models.NewValidationError("code", "code must be 6 digits")
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return "", models.NewValidationError("code", "code must be 6 digits")
		}
	}
	return code, nil
}

// ValidateCode checks code against secret within ±1 time step of now. Steps
// at or before lastStep are skipped so an accepted code cannot be replayed.
// On success it returns the matched step, which the caller must persist.
func (tm *TOTPManager) ValidateCode(secret, code string, lastStep int64) (int64, bool, error) {
	code, err := NormalizeTOTPCode(code)
	if err != nil {
		return 0, false, err
	}

	current := tm.now().Unix() / totpPeriod
	for offset := int64(-totpSkew); offset <= totpSkew; offset++ {
		step := current + offset
		if step <= lastStep {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), totpOpts)
		if err != nil {
			return 0, false, fmt.Errorf("failed to generate TOTP code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return step, true, nil
		}
	}
	return 0, false, nil
}

// GenerateBackupCodes returns count codes formatted XXXX-XXXX from an
// alphabet without ambiguous characters.
func (tm *TOTPManager) GenerateBackupCodes(count int) ([]string, error) {
	max := big.NewInt(int64(len(backupCodeCharset)))
	codes := make([]string, count)
	for i := range codes {
		var b strings.Builder
		for j := 0; j < backupCodeLength; j++ {
			if j == backupCodeLength/2 {
				b.WriteByte('-')
			}
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, fmt.Errorf("failed to generate backup code: %w", err)
			}
			b.WriteByte(backupCodeCharset[n.Int64()])
		}
		codes[i] = b.String()
	}
	return codes, nil
}

// NormalizeBackupCode upper-cases code and removes separators.
func NormalizeBackupCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.NewReplacer("-", "", " ", "").Replace(code)
	if len(code) != backupCodeLength {
		return "", models.NewValidationError("backup_code", "backup code must be 8 characters")
	}
	for _, c := range code {
		if !strings.ContainsRune(backupCodeCharset, c) {
			return "", models.NewValidationError("backup_code", "backup code contains invalid characters")
		}
	}
	return code, nil
}

// HashBackupCode returns the hex SHA-256 of the normalized code. code must
// already be normalized.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// BackupCodeMatches compares a normalized code to a stored hash in constant
// time.
func BackupCodeMatches(code, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashBackupCode(code)), []byte(storedHash)) == 1
}
