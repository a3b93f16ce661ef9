package credstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	fileVersion = 1
	saltSize    = 16
	filePerm    = 0o600
	dirPerm     = 0o700
)

// KDFParams はパスフレーズから暗号鍵を導出するargon2idのパラメータ。
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams はargon2idの推奨パラメータを返す。
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}
}

// envelope はディスク上のファイル形式。
// dataはJSONマップをXChaCha20-Poly1305で暗号化したもの。
type envelope struct {
	Version int    `json:"v"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

// FileStore はパスフレーズで暗号化したファイルに値を保存するStore実装。
// 書き込みは一時ファイルへの書き出しとリネームで原子的に行う。
type FileStore struct {
	path       string
	passphrase []byte
	params     KDFParams

	mu   sync.Mutex
	salt []byte
	key  []byte // saltから導出済みの鍵
}

// FileOption はFileStoreの設定を変更する。
type FileOption func(*FileStore)

// WithKDFParams は鍵導出パラメータを差し替える。
func WithKDFParams(p KDFParams) FileOption {
	return func(s *FileStore) {
		s.params = p
	}
}

// NewFileStore はpathに保存するFileStoreを生成する。
// ファイルは最初の書き込みまで作成しない。
func NewFileStore(path, passphrase string, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrStorage)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrStorage)
	}
	s := &FileStore{
		path:       path,
		passphrase: []byte(passphrase),
		params:     DefaultKDFParams(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (s *FileStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.save(values)
}

func (s *FileStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return false, err
	}
	if _, ok := values[key]; !ok {
		return false, nil
	}
	delete(values, key)
	if err := s.save(values); err != nil {
		return true, err
	}
	return true, nil
}

// load はファイルを読み込んで復号する。ファイルがなければ空のマップを返す。
func (s *FileStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, s.path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrStorage, err)
	}
	if env.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrStorage, env.Version)
	}

	aead, err := s.cipher(env.Salt)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce", ErrStorage)
	}
	plain, err := aead.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrStorage, err)
	}

	values := make(map[string]string)
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("%w: decode values: %v", ErrStorage, err)
	}
	return values, nil
}

// save は値を暗号化し、一時ファイル経由で原子的に書き込む。
func (s *FileStore) save(values map[string]string) error {
	if s.salt == nil {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("%w: generate salt: %v", ErrStorage, err)
		}
		s.salt = salt
		s.key = nil
	}

	aead, err := s.cipher(s.salt)
	if err != nil {
		return err
	}

	plain, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("%w: encode values: %v", ErrStorage, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: generate nonce: %v", ErrStorage, err)
	}

	raw, err := json.Marshal(envelope{
		Version: fileVersion,
		Salt:    s.salt,
		Nonce:   nonce,
		Data:    aead.Seal(nil, nonce, plain, nil),
	})
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", ErrStorage, err)
	}

	return writeFileAtomic(s.path, raw)
}

// cipher はsaltから導出した鍵でAEADを生成する。
// 同じsaltに対する鍵は再導出しない。
func (s *FileStore) cipher(salt []byte) (cipher.AEAD, error) {
	if len(salt) != saltSize {
		return nil, fmt.Errorf("%w: invalid salt", ErrStorage)
	}
	if s.key == nil || string(s.salt) != string(salt) {
		s.key = argon2.IDKey(s.passphrase, salt, s.params.Time, s.params.Memory, s.params.Threads, chacha20poly1305.KeySize)
		s.salt = append([]byte(nil), salt...)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher: %v", ErrStorage, err)
	}
	return aead, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("%w: create dir: %v", ErrStorage, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: chmod temp: %v", ErrStorage, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp: %v", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync temp: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStorage, err)
	}
	return nil
}
