package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/npezzotti/ephemeral-chat/internal/types"
)

const (
	tokenTypeIdentity = "identity"
	tokenTypeSession  = "session"
)

// Identity is a verified name/email pair.
type Identity struct {
	Name  string
	Email string
}

type identityClaims struct {
	jwt.StandardClaims
	Type  string `json:"typ"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SessionClaims binds a verified identity to one participant of one room.
type SessionClaims struct {
	RoomId        string
	ParticipantId string
	Name          string
	Email         string
}

type sessionClaims struct {
	jwt.StandardClaims
	Type   string `json:"typ"`
	RoomId string `json:"room_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

func signToken(key []byte, claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

func parseToken(key []byte, tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("%w: parse token: %v", types.ErrAuthInvalid, err)
	}

	if !token.Valid {
		return fmt.Errorf("%w: invalid token", types.ErrAuthInvalid)
	}

	return nil
}

func (v *Verifier) issueIdentityToken(id Identity) (string, error) {
	now := v.now()
	return signToken(v.signingKey, identityClaims{
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.NewString(),
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(v.tokenTTL).Unix(),
		},
		Type:  tokenTypeIdentity,
		Name:  id.Name,
		Email: id.Email,
	})
}

func (v *Verifier) parseIdentityClaims(tokenString string) (*identityClaims, error) {
	var claims identityClaims
	if err := parseToken(v.signingKey, tokenString, &claims); err != nil {
		return nil, err
	}
	if claims.Type != tokenTypeIdentity || claims.Id == "" || claims.Email == "" {
		return nil, fmt.Errorf("%w: not an identity token", types.ErrAuthInvalid)
	}
	return &claims, nil
}

// ParseIdentity validates an identity token without consuming it.
func (v *Verifier) ParseIdentity(tokenString string) (Identity, error) {
	claims, err := v.parseIdentityClaims(tokenString)
	if err != nil {
		return Identity{}, err
	}

	v.mu.Lock()
	_, used := v.consumed[claims.Id]
	v.mu.Unlock()
	if used {
		return Identity{}, types.ErrAlreadyConsumed
	}

	return Identity{Name: claims.Name, Email: claims.Email}, nil
}

// ConsumeIdentity validates an identity token and marks it used. A token
// can be consumed once; later calls return ErrAlreadyConsumed.
func (v *Verifier) ConsumeIdentity(tokenString string) (Identity, error) {
	claims, err := v.parseIdentityClaims(tokenString)
	if err != nil {
		return Identity{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, used := v.consumed[claims.Id]; used {
		return Identity{}, types.ErrAlreadyConsumed
	}
	v.consumed[claims.Id] = time.Unix(claims.ExpiresAt, 0)

	return Identity{Name: claims.Name, Email: claims.Email}, nil
}

// ReleaseIdentity undoes ConsumeIdentity for a join that was refused, so
// the token can be presented again until it expires.
func (v *Verifier) ReleaseIdentity(tokenString string) {
	claims, err := v.parseIdentityClaims(tokenString)
	if err != nil {
		return
	}

	v.mu.Lock()
	delete(v.consumed, claims.Id)
	v.mu.Unlock()
}

// ClaimRoomCreation records that the identity token created a room. Each
// token may create one room; a second claim returns ErrAlreadyConsumed.
func (v *Verifier) ClaimRoomCreation(tokenString string) error {
	claims, err := v.parseIdentityClaims(tokenString)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.created[claims.Id]; ok {
		return fmt.Errorf("%w: token already created a room", types.ErrAlreadyConsumed)
	}
	v.created[claims.Id] = time.Unix(claims.ExpiresAt, 0)

	return nil
}

// ReleaseRoomCreation drops a claim whose room could not be stored.
func (v *Verifier) ReleaseRoomCreation(tokenString string) {
	claims, err := v.parseIdentityClaims(tokenString)
	if err != nil {
		return
	}

	v.mu.Lock()
	delete(v.created, claims.Id)
	v.mu.Unlock()
}

// IssueSessionToken signs a reusable token for reconnecting to a room. It
// stays valid until expiresAt.
func (v *Verifier) IssueSessionToken(sc SessionClaims, expiresAt time.Time) (string, error) {
	return signToken(v.signingKey, sessionClaims{
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.NewString(),
			Subject:   sc.ParticipantId,
			IssuedAt:  v.now().Unix(),
			ExpiresAt: expiresAt.Unix(),
		},
		Type:   tokenTypeSession,
		RoomId: sc.RoomId,
		Name:   sc.Name,
		Email:  sc.Email,
	})
}

func (v *Verifier) ParseSessionToken(tokenString string) (SessionClaims, error) {
	var claims sessionClaims
	if err := parseToken(v.signingKey, tokenString, &claims); err != nil {
		return SessionClaims{}, err
	}
	if claims.Type != tokenTypeSession || claims.Subject == "" || claims.RoomId == "" {
		return SessionClaims{}, fmt.Errorf("%w: not a session token", types.ErrAuthInvalid)
	}

	return SessionClaims{
		RoomId:        claims.RoomId,
		ParticipantId: claims.Subject,
		Name:          claims.Name,
		Email:         claims.Email,
	}, nil
}
