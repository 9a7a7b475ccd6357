// Package auth provides ready-made broker hooks. JWTHook gates slot
// authentication with an HS256 token carried in the _toke field of the
// _auth record.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/switchyard-io/switchyard/broker"
	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
)

// RoleKey is the wire attribute the verified role is stored under.
const RoleKey = "_role"

// RoleRoot unlocks the privileged operations: killing slots and
// subscribing to slot lifecycle events.
const RoleRoot = "root"

// Claims are the token claims a peer presents.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTHook is a broker.Hook requiring a valid token on _auth and a root
// role for privileged operations. Unauthenticated slots may still route
// application traffic; what they cannot do is claim a role.
type JWTHook struct {
	broker.BaseHook

	secret []byte
}

// NewJWTHook builds the hook around a shared signing secret.
func NewJWTHook(secret string) *JWTHook {
	return &JWTHook{secret: []byte(secret)}
}

// Generate mints a token for a role, mostly useful for tests and
// provisioning tools.
func (h *JWTHook) Generate(subject, role string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

func (h *JWTHook) verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Auth admits only slots presenting a valid token; the verified role is
// written into the wire attributes for later checks.
func (h *JWTHook) Auth(slot *broker.Slot, rec record.Record) bool {
	token, ok := rec.Str(proto.KeyToken)
	if !ok {
		return false
	}
	claims, err := h.verify(token)
	if err != nil {
		return false
	}

	slot.Wire.Attr(func(attr record.Record) {
		attr.Set(RoleKey, claims.Role)
	})
	rec.Del(proto.KeyToken)
	return true
}

// Attach guards the lifecycle event channels; everything else is open.
func (h *JWTHook) Attach(slot *broker.Slot, _ record.Record, channel string, _ []string) bool {
	switch channel {
	case proto.ChanSlotReady, proto.ChanSlotBreak, proto.ChanSlotAttach, proto.ChanSlotDetach:
		return isRoot(slot)
	default:
		return true
	}
}

// Kill is reserved for root slots.
func (h *JWTHook) Kill(slot *broker.Slot, _ record.Record) bool {
	return isRoot(slot)
}

func isRoot(slot *broker.Slot) bool {
	if !slot.Authed {
		return false
	}
	role, _ := slot.Wire.AttrClone().Str(RoleKey)
	return role == RoleRoot
}
