package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/ephemeral-chat/internal/database"
	"github.com/npezzotti/ephemeral-chat/internal/notify"
	"github.com/npezzotti/ephemeral-chat/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	codeDigits      = 6
	maxNameRunes    = 64
	defaultMaxTries = 3
)

// RoomFinder is the slice of the room store the verifier needs.
type RoomFinder interface {
	GetRoomByAccessKey(ctx context.Context, accessKey string) (database.Room, error)
}

type Options struct {
	SigningKey       []byte
	ChallengeTTL     time.Duration
	IdentityTokenTTL time.Duration
	MaxAttempts      int
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

type challenge struct {
	name      string
	email     string
	codeHash  []byte
	expiresAt time.Time
	failures  int
}

// Verifier issues and checks one-time codes, mints identity tokens and
// validates room access keys.
type Verifier struct {
	log          *log.Logger
	rooms        RoomFinder
	notifier     notify.Notifier
	signingKey   []byte
	challengeTTL time.Duration
	tokenTTL     time.Duration
	maxAttempts  int
	cost         int
	now          func() time.Time

	mu         sync.Mutex
	challenges map[string]*challenge
	// consumed maps identity token ids to their expiry so the set can be
	// pruned once a token could no longer be presented anyway.
	consumed map[string]time.Time
	// created holds identity token ids that already created a room.
	created map[string]time.Time
}

func NewVerifier(logger *log.Logger, rooms RoomFinder, notifier notify.Notifier, opts Options) *Verifier {
	v := &Verifier{
		log:          logger,
		rooms:        rooms,
		notifier:     notifier,
		signingKey:   opts.SigningKey,
		challengeTTL: opts.ChallengeTTL,
		tokenTTL:     opts.IdentityTokenTTL,
		maxAttempts:  opts.MaxAttempts,
		cost:         opts.BcryptCost,
		now:          time.Now,
		challenges:   make(map[string]*challenge),
		consumed:     make(map[string]time.Time),
		created:      make(map[string]time.Time),
	}

	if v.maxAttempts < 1 {
		v.maxAttempts = defaultMaxTries
	}
	if v.cost == 0 {
		v.cost = bcrypt.DefaultCost
	}
	if v.challengeTTL <= 0 {
		v.challengeTTL = 10 * time.Minute
	}
	if v.tokenTTL <= 0 {
		v.tokenTTL = 30 * time.Minute
	}

	return v
}

func generateCode() (string, error) {
	limit := big.NewInt(1)
	for range codeDigits {
		limit.Mul(limit, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

func normalizeIdentity(name, email string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("%w: name is required", types.ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return "", "", fmt.Errorf("%w: name is too long", types.ErrInvalidInput)
	}

	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", "", fmt.Errorf("%w: malformed email", types.ErrInvalidInput)
	}

	return name, strings.ToLower(email), nil
}

// RequestChallenge creates a challenge for name/email and sends its code.
// A failed delivery is logged only; the challenge stays valid and the code
// can be resent.
func (v *Verifier) RequestChallenge(ctx context.Context, name, email string) (string, time.Time, error) {
	name, email, err := normalizeIdentity(name, email)
	if err != nil {
		return "", time.Time{}, err
	}

	code, err := generateCode()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate code: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), v.cost)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("hash code: %w", err)
	}

	id := uuid.NewString()
	expiresAt := v.now().Add(v.challengeTTL)

	v.mu.Lock()
	v.challenges[id] = &challenge{
		name:      name,
		email:     email,
		codeHash:  hash,
		expiresAt: expiresAt,
	}
	v.mu.Unlock()

	v.dispatch(ctx, email, code)

	return id, expiresAt, nil
}

// ResendCode replaces the code of a pending challenge and sends it again.
// The failed-attempt counter is kept.
func (v *Verifier) ResendCode(ctx context.Context, challengeId string) error {
	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), v.cost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}

	v.mu.Lock()
	ch, err := v.liveChallenge(challengeId)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	if ch.failures >= v.maxAttempts {
		v.mu.Unlock()
		return types.ErrTooManyAttempts
	}
	ch.codeHash = hash
	email := ch.email
	v.mu.Unlock()

	v.dispatch(ctx, email, code)
	return nil
}

func (v *Verifier) dispatch(ctx context.Context, email, code string) {
	if err := v.notifier.SendCode(ctx, email, code); err != nil {
		v.log.Printf("send code to %s: %v", email, err)
	}
}

// liveChallenge returns the challenge with id, discarding it if it has
// expired. Callers must hold v.mu.
func (v *Verifier) liveChallenge(id string) (*challenge, error) {
	ch, ok := v.challenges[id]
	if !ok {
		return nil, types.ErrChallengeExpired
	}
	if !v.now().Before(ch.expiresAt) {
		delete(v.challenges, id)
		return nil, types.ErrChallengeExpired
	}
	return ch, nil
}

// VerifyChallenge checks code against the challenge and returns a single
// use identity token. The attempt that reaches the attempt limit, and every
// attempt after it, fails with ErrTooManyAttempts.
func (v *Verifier) VerifyChallenge(challengeId, code string) (string, error) {
	challengeId = strings.TrimSpace(challengeId)
	code = strings.TrimSpace(code)
	if challengeId == "" || code == "" {
		return "", fmt.Errorf("%w: challenge id and code are required", types.ErrInvalidInput)
	}

	v.mu.Lock()
	ch, err := v.liveChallenge(challengeId)
	if err != nil {
		v.mu.Unlock()
		return "", err
	}
	if ch.failures >= v.maxAttempts {
		v.mu.Unlock()
		return "", types.ErrTooManyAttempts
	}
	hash := ch.codeHash
	v.mu.Unlock()

	// bcrypt is slow; compare outside the lock.
	mismatch := bcrypt.CompareHashAndPassword(hash, []byte(code))

	v.mu.Lock()
	defer v.mu.Unlock()

	ch, err = v.liveChallenge(challengeId)
	if err != nil {
		return "", err
	}
	if ch.failures >= v.maxAttempts {
		return "", types.ErrTooManyAttempts
	}

	if mismatch != nil {
		if !errors.Is(mismatch, bcrypt.ErrMismatchedHashAndPassword) {
			return "", fmt.Errorf("compare code: %w", mismatch)
		}
		ch.failures++
		if ch.failures >= v.maxAttempts {
			return "", types.ErrTooManyAttempts
		}
		return "", types.ErrCodeMismatch
	}

	delete(v.challenges, challengeId)

	token, err := v.issueIdentityToken(Identity{Name: ch.name, Email: ch.email})
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}

	return token, nil
}

// ValidateAccessKey looks a room up by access key, ignoring case.
func (v *Verifier) ValidateAccessKey(ctx context.Context, key string) (types.RoomSummary, error) {
	key = NormalizeAccessKey(key)
	if key == "" {
		return types.RoomSummary{}, fmt.Errorf("%w: access key is required", types.ErrInvalidInput)
	}

	dbRoom, err := v.rooms.GetRoomByAccessKey(ctx, key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.RoomSummary{}, types.ErrRoomNotFound
		}
		return types.RoomSummary{}, fmt.Errorf("get room by access key: %w", err)
	}

	room := database.RoomToType(dbRoom)
	if room.Expired(v.now()) {
		return types.RoomSummary{}, types.ErrRoomExpired
	}

	return room.Summary(), nil
}

func NormalizeAccessKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Purge discards expired challenges and forgets consumed or room-creating
// tokens that have expired. Unverified join attempts therefore disappear
// after the challenge TTL.
func (v *Verifier) Purge() {
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	for id, ch := range v.challenges {
		if !now.Before(ch.expiresAt) {
			delete(v.challenges, id)
		}
	}
	for jti, exp := range v.consumed {
		if now.After(exp) {
			delete(v.consumed, jti)
		}
	}
	for jti, exp := range v.created {
		if now.After(exp) {
			delete(v.created, jti)
		}
	}
}

// Run purges on every tick of interval until ctx is done.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.Purge()
		case <-ctx.Done():
			return
		}
	}
}
