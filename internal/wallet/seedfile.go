package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the seed file key derivation.
const (
	seedKDFTime        = 3
	seedKDFMemory      = 64 * 1024 // KiB
	seedKDFParallelism = 4
	seedKDFKeyLen      = 32 // AES-256
	seedKDFSaltLen     = 32
)

// SeedFile is an encrypted wallet mnemonic as stored on disk. The KDF
// parameters are kept with the ciphertext so old files stay readable
// after a parameter bump.
type SeedFile struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// EncryptMnemonic encrypts a BIP39 mnemonic with Argon2id + AES-256-GCM.
func EncryptMnemonic(mnemonic, password string) (*SeedFile, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidSeed
	}
	if password == "" {
		return nil, fmt.Errorf("empty seed password")
	}

	salt := make([]byte, seedKDFSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, seedKDFTime, seedKDFMemory, seedKDFParallelism, seedKDFKeyLen)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &SeedFile{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        seedKDFTime,
		Memory:      seedKDFMemory,
		Parallelism: seedKDFParallelism,
	}, nil
}

// DecryptMnemonic recovers the mnemonic from an encrypted seed file.
func DecryptMnemonic(sf *SeedFile, password string) (string, error) {
	time, memory, parallelism := sf.Time, sf.Memory, sf.Parallelism
	if time == 0 {
		time = seedKDFTime
	}
	if memory == 0 {
		memory = seedKDFMemory
	}
	if parallelism == 0 {
		parallelism = seedKDFParallelism
	}

	key := argon2.IDKey([]byte(password), sf.Salt, time, memory, parallelism, seedKDFKeyLen)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, sf.Nonce, sf.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt seed file (wrong password?): %w", err)
	}

	mnemonic := string(plaintext)
	zeroBytes(plaintext)
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", ErrInvalidSeed
	}
	return mnemonic, nil
}

// SaveSeedFile writes an encrypted seed file with owner-only permissions.
func SaveSeedFile(sf *SeedFile, path string) error {
	if path == "" {
		return fmt.Errorf("seed file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create seed directory: %w", err)
	}

	data, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("failed to marshal seed file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return nil
}

// LoadSeedFile reads an encrypted seed file from disk.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var sf SeedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &sf, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
