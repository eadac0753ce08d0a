package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// FileStore 把会话保存为单个加密文件：scrypt 派生密钥，XChaCha20-Poly1305 加密。
type FileStore struct {
	path string
	key  []byte
	salt []byte

	mu sync.Mutex
}

// ScryptParams 控制密钥派生强度。
type ScryptParams struct {
	N, R, P int
}

// DefaultScryptParams 返回交互式场景的推荐参数。
func DefaultScryptParams() ScryptParams { return ScryptParams{N: 1 << 15, R: 8, P: 1} }

type fileEnvelope struct {
	Version int    `json:"v"`
	N       int    `json:"n"`
	R       int    `json:"r"`
	P       int    `json:"p"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	CT      []byte `json:"ct"`
}

// OpenFileStore 打开或创建加密会话文件。已有文件沿用其盐值与参数。
func OpenFileStore(path, passphrase string, params ScryptParams) (*FileStore, error) {
	if passphrase == "" {
		return nil, errors.New("file store passphrase is required")
	}
	if params.N <= 1 {
		params = DefaultScryptParams()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	s := &FileStore{path: path}
	blob, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.salt = make([]byte, 16)
		if _, err := rand.Read(s.salt); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read session file: %w", err)
	default:
		var env fileEnvelope
		if err := json.Unmarshal(blob, &env); err != nil {
			return nil, fmt.Errorf("decode session file: %w", err)
		}
		s.salt = env.Salt
		params = ScryptParams{N: env.N, R: env.R, P: env.P}
	}
	s.key, err = scrypt.Key([]byte(passphrase), s.salt, params.N, params.R, params.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	if blob != nil {
		if _, err := s.decrypt(blob); err != nil {
			return nil, err
		}
	} else if err := s.write(map[string][]byte{}, params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, _, err := s.read()
	if err != nil {
		return nil, err
	}
	v, ok := values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, params, err := s.read()
	if err != nil {
		return err
	}
	values[key] = append([]byte(nil), value...)
	return s.write(values, params)
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, params, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.write(values, params)
}

func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, params, err := s.read()
	if err != nil {
		return err
	}
	return s.write(map[string][]byte{}, params)
}

func (s *FileStore) read() (map[string][]byte, ScryptParams, error) {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		return nil, ScryptParams{}, fmt.Errorf("read session file: %w", err)
	}
	env, err := s.decrypt(blob)
	if err != nil {
		return nil, ScryptParams{}, err
	}
	values := make(map[string][]byte)
	if err := json.Unmarshal(env.plaintext, &values); err != nil {
		return nil, ScryptParams{}, fmt.Errorf("decode session values: %w", err)
	}
	return values, env.params, nil
}

type opened struct {
	plaintext []byte
	params    ScryptParams
}

func (s *FileStore) decrypt(blob []byte) (opened, error) {
	var env fileEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return opened{}, fmt.Errorf("decode session file: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return opened{}, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.CT, env.Salt)
	if err != nil {
		return opened{}, errors.New("session file cannot be decrypted with this passphrase")
	}
	return opened{plaintext: plaintext, params: ScryptParams{N: env.N, R: env.R, P: env.P}}, nil
}

// write 先写临时文件再改名，避免中途崩溃留下截断的文件。
func (s *FileStore) write(values map[string][]byte, params ScryptParams) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	blob, err := json.Marshal(fileEnvelope{
		Version: 1,
		N:       params.N,
		R:       params.R,
		P:       params.P,
		Salt:    s.salt,
		Nonce:   nonce,
		CT:      aead.Seal(nil, nonce, raw, s.salt),
	})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
