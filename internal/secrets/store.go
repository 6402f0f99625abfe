// Package secrets holds application secrets encrypted in memory and rotates
// them on a schedule.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	"github.com/KyFuirY/FreelanceOS/pkg/metrics"
)

// JWTSigningKey is the logical name of the active token signing key.
const JWTSigningKey = "jwt_signing_key"

const (
	// DefaultRotationInterval applies when no interval is configured.
	DefaultRotationInterval = 30 * 24 * time.Hour

	hkdfInfo = "secret-store"
	keyLen   = 32
	ivLen    = 12
	tagLen   = 16
)

var (
	ErrNotFound  = errors.New("secrets: not found")
	ErrRevoked   = errors.New("secrets: revoked")
	ErrIntegrity = errors.New("secrets: integrity check failed")
	ErrClosed    = errors.New("secrets: store closed")
)

// Metadata describes a secret without its value.
type Metadata struct {
	Name          string    `json:"name"`
	Type          Type      `json:"type"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	RotatedAt     time.Time `json:"rotated_at,omitempty"`
	RotationCount int       `json:"rotation_count"`
	Active        bool      `json:"active"`
	NextRotation  time.Time `json:"next_rotation,omitempty"`
}

type secret struct {
	ciphertext []byte
	iv         []byte
	tag        []byte
	meta       Metadata
}

type dueEntry struct {
	at   time.Time
	name string
}

func dueLess(a, b dueEntry) bool {
	if a.at.Equal(b.at) {
		return a.name < b.name
	}
	return a.at.Before(b.at)
}

// Store is the process-local secret registry.
type Store struct {
	mu       sync.Mutex
	aead     cipher.AEAD
	secrets  map[string]*secret
	queue    *btree.BTreeG[dueEntry]
	clock    clockwork.Clock
	interval time.Duration
	emitter  audit.Emitter
	logger   *zap.Logger
	wake     chan struct{}
	done     chan struct{}
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock driving timestamps and the rotation queue.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithRotationInterval sets how long a value lives before it is rotated.
// Zero disables scheduled rotation.
func WithRotationInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// New derives the sealing key from masterKey with HKDF-SHA256.
func New(masterKey string, emitter audit.Emitter, logger *zap.Logger, opts ...Option) (*Store, error) {
	if len(masterKey) < keyLen {
		return nil, fmt.Errorf("secrets: master key must be at least %d bytes", keyLen)
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterKey), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}

	s := &Store{
		aead:     aead,
		secrets:  make(map[string]*secret),
		queue:    btree.NewBTreeG[dueEntry](dueLess),
		clock:    clockwork.NewRealClock(),
		interval: DefaultRotationInterval,
		emitter:  emitter,
		logger:   logger.Named("secrets"),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Store saves value under name. An empty value is generated from typ.
// Storing over an active secret replaces its value as a new version.
func (s *Store) Store(ctx context.Context, name, value string, typ Type) error {
	if name == "" {
		return errors.New("secrets: name is required")
	}
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if value == "" {
		var err error
		if value, err = Generate(typ); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	now := s.clock.Now().UTC()
	sec, ok := s.secrets[name]
	switch {
	case ok && !sec.meta.Active:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRevoked, name)
	case ok:
		s.unschedule(sec)
		sec.meta.Version++
		sec.meta.Type = typ
	default:
		sec = &secret{meta: Metadata{Name: name, Type: typ, Version: 1, CreatedAt: now, Active: true}}
	}
	if err := s.seal(sec, value); err != nil {
		s.mu.Unlock()
		return err
	}
	s.secrets[name] = sec
	s.schedule(sec, now)
	meta := sec.meta
	s.updateGauge()
	s.mu.Unlock()

	s.emit(ctx, audit.EventSecretStored, audit.SeverityLow, meta)
	s.logger.Info("Secret stored", zap.String("name", name), zap.String("type", string(typ)), zap.Int("version", meta.Version))
	return nil
}

// Get returns the current value of an active secret.
func (s *Store) Get(ctx context.Context, name string) (string, bool) {
	s.mu.Lock()
	sec, ok := s.secrets[name]
	if !ok || !sec.meta.Active {
		s.mu.Unlock()
		return "", false
	}
	value, err := s.open(sec)
	meta := sec.meta
	s.mu.Unlock()

	if err != nil {
		s.integrityFailure(ctx, meta, err)
		return "", false
	}
	s.emit(ctx, audit.EventSecretAccessed, audit.SeverityLow, meta)
	return value, true
}

// Rotate replaces the value of an active secret with a freshly generated
// one and reschedules its next rotation.
func (s *Store) Rotate(ctx context.Context, name string) error {
	s.mu.Lock()
	sec, ok := s.secrets[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !sec.meta.Active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRevoked, name)
	}
	value, err := Generate(sec.meta.Type)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.seal(sec, value); err != nil {
		s.mu.Unlock()
		return err
	}
	now := s.clock.Now().UTC()
	s.unschedule(sec)
	sec.meta.Version++
	sec.meta.RotationCount++
	sec.meta.RotatedAt = now
	s.schedule(sec, now)
	meta := sec.meta
	s.mu.Unlock()

	metrics.SecretRotations.WithLabelValues(string(meta.Type)).Inc()
	s.emit(ctx, audit.EventSecretRotated, audit.SeverityLow, meta)
	s.logger.Info("Secret rotated", zap.String("name", name), zap.Int("version", meta.Version))
	return nil
}

// Revoke marks a secret inactive. Revocation is permanent.
func (s *Store) Revoke(ctx context.Context, name string) error {
	s.mu.Lock()
	sec, ok := s.secrets[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !sec.meta.Active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRevoked, name)
	}
	s.unschedule(sec)
	sec.meta.Active = false
	sec.ciphertext, sec.iv, sec.tag = nil, nil, nil
	meta := sec.meta
	s.updateGauge()
	s.mu.Unlock()

	s.emit(ctx, audit.EventSecretRevoked, audit.SeverityLow, meta)
	s.logger.Info("Secret revoked", zap.String("name", name), zap.Int("version", meta.Version))
	return nil
}

// ListMetadata returns metadata for every secret, sorted by name.
func (s *Store) ListMetadata() []Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Metadata, 0, len(s.secrets))
	for _, sec := range s.secrets {
		out = append(out, sec.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Metadata returns one secret's metadata.
func (s *Store) Metadata(name string) (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[name]
	if !ok {
		return Metadata{}, false
	}
	return sec.meta, true
}

// VerifyIntegrity decrypts every active secret and reports whether all of
// them authenticate.
func (s *Store) VerifyIntegrity(ctx context.Context) bool {
	type failure struct {
		meta Metadata
		err  error
	}
	var failures []failure

	s.mu.Lock()
	for _, sec := range s.secrets {
		if !sec.meta.Active {
			continue
		}
		if _, err := s.open(sec); err != nil {
			failures = append(failures, failure{meta: sec.meta, err: err})
		}
	}
	s.mu.Unlock()

	for _, f := range failures {
		s.integrityFailure(ctx, f.meta, f.err)
	}
	return len(failures) == 0
}

// EnsureSystemSecrets creates the secrets the application needs at startup.
func (s *Store) EnsureSystemSecrets(ctx context.Context) error {
	system := map[string]Type{
		JWTSigningKey: TypeSigningKey,
	}
	for name, typ := range system {
		if _, ok := s.Metadata(name); ok {
			continue
		}
		if err := s.Store(ctx, name, "", typ); err != nil {
			return fmt.Errorf("create system secret %s: %w", name, err)
		}
	}
	return nil
}

// Close stops scheduled rotations. Stored values stay readable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = btree.NewBTreeG[dueEntry](dueLess)
	for _, sec := range s.secrets {
		sec.meta.NextRotation = time.Time{}
	}
	close(s.done)
}

func (s *Store) seal(sec *secret, value string) error {
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("iv generation failed: %w", err)
	}
	sealed := s.aead.Seal(nil, iv, []byte(value), []byte(sec.meta.Name))
	cut := len(sealed) - tagLen
	sec.ciphertext = sealed[:cut]
	sec.tag = sealed[cut:]
	sec.iv = iv
	return nil
}

func (s *Store) open(sec *secret) (string, error) {
	sealed := make([]byte, 0, len(sec.ciphertext)+len(sec.tag))
	sealed = append(sealed, sec.ciphertext...)
	sealed = append(sealed, sec.tag...)
	plain, err := s.aead.Open(nil, sec.iv, sealed, []byte(sec.meta.Name))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrIntegrity, sec.meta.Name)
	}
	return string(plain), nil
}

func (s *Store) integrityFailure(ctx context.Context, meta Metadata, err error) {
	s.logger.Error("Secret failed integrity check", zap.String("name", meta.Name), zap.Int("version", meta.Version), zap.Error(err))
	s.emit(ctx, audit.EventSecretIntegrity, audit.SeverityCritical, meta)
}

func (s *Store) emit(ctx context.Context, typ audit.EventType, severity audit.Severity, meta Metadata) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, audit.Event{
		Type:     typ,
		Severity: severity,
		Attributes: map[string]string{
			"name":    meta.Name,
			"type":    string(meta.Type),
			"version": strconv.Itoa(meta.Version),
		},
	})
}

// updateGauge must be called with mu held.
func (s *Store) updateGauge() {
	active := 0
	for _, sec := range s.secrets {
		if sec.meta.Active {
			active++
		}
	}
	metrics.SecretsActive.Set(float64(active))
}
