package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

// Secrets file parameters.
const (
	SecretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768 // 2^15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

// Secret keys used by the provider wiring.
const (
	SecretAnthropicAPIKey = "anthropic_api_key"
	SecretOpenAIAPIKey    = "openai_api_key"
)

// SecretsFile is an encrypted key-value store for provider API keys,
// protected by an operator password via scrypt + AES-256-GCM.
type SecretsFile struct {
	path string
}

// NewSecretsFile points at projectDir/.arbiter/secrets.json.enc.
func NewSecretsFile(projectDir string) *SecretsFile {
	return &SecretsFile{path: filepath.Join(projectDir, ConfigDirName, SecretsFileName)}
}

// Exists reports whether the secrets file is present.
func (s *SecretsFile) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save encrypts and writes the secrets map.
func (s *SecretsFile) Save(password string, secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	// File layout: salt || nonce || ciphertext.
	blob := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	if err := os.WriteFile(s.path, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// Load decrypts and returns the secrets map. A wrong password surfaces as a
// GCM authentication failure.
func (s *SecretsFile) Load(password string) (map[string]string, error) {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(blob) < saltSize+nonceSize {
		return nil, fmt.Errorf("secrets file is truncated")
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	ciphertext := blob[saltSize+nonceSize:]

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets (wrong password?): %w", err)
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to decode secrets: %w", err)
	}
	return secrets, nil
}

// APIKey resolves a provider API key: environment variable first, then the
// encrypted secrets file (if a password was supplied).
func APIKey(envVar, secretKey string, secrets map[string]string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return secrets[secretKey]
}
