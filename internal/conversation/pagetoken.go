package conversation

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errTokenMismatch = errors.New("page token was issued for a different query")
	errPairBroken    = errors.New("page tokens of one page must be passed back together")
)

const (
	kindDirect = "direct"
	kindGroup  = "group"

	slotA = "a"
	slotB = "b"
)

// pageClaims is the payload of a page token: the storage page state plus the
// query it belongs to.
type pageClaims struct {
	Kind     string `json:"knd"`
	Slot     string `json:"slt,omitempty"`
	Sender   string `json:"snd,omitempty"`
	Receiver string `json:"rcv,omitempty"`
	GroupID  int64  `json:"grp,omitempty"`
	PageSize int    `json:"psz"`
	State    string `json:"st"`
	// Pair is shared by the tokens of one conversation page; Sibling says
	// the other slot got a token too.
	Pair    string `json:"pr,omitempty"`
	Sibling bool   `json:"sib,omitempty"`
	jwt.RegisteredClaims
}

// PageTokens signs and verifies the opaque page tokens handed to callers.
// Signing makes a token tamper evident and lets it expire; the embedded query
// binding rejects tokens replayed against another conversation or page size.
type PageTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewPageTokens returns a PageTokens signing with secret. Tokens expire after
// ttl; a ttl of 0 means they never expire.
func NewPageTokens(secret string, ttl time.Duration) *PageTokens {
	return &PageTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *PageTokens) issue(c pageClaims, state []byte) (string, error) {
	now := t.now()
	c.State = base64.RawURLEncoding.EncodeToString(state)
	c.IssuedAt = jwt.NewNumericDate(now)
	if t.ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &c)
	s, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign page token: %w", err)
	}
	return s, nil
}

// open verifies token and checks it was issued for want. It returns the
// token's claims and the storage page state it carries.
func (t *PageTokens) open(token string, want pageClaims) (*pageClaims, []byte, error) {
	var got pageClaims
	_, err := jwt.ParseWithClaims(token, &got, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, nil, err
	}

	if got.Kind != want.Kind ||
		got.Slot != want.Slot ||
		got.Sender != want.Sender ||
		got.Receiver != want.Receiver ||
		got.GroupID != want.GroupID ||
		got.PageSize != want.PageSize {
		return nil, nil, errTokenMismatch
	}

	state, err := base64.RawURLEncoding.DecodeString(got.State)
	if err != nil || len(state) == 0 {
		return nil, nil, fmt.Errorf("decode page state: %w", errTokenMismatch)
	}
	return &got, state, nil
}

// checkPair verifies that the tokens opened for slots A and B (nil when
// absent) came from the same page, and that a token whose sibling was issued
// is not presented alone. Dropping a live token would otherwise skip the rest
// of that partition.
func checkPair(a, b *pageClaims) error {
	switch {
	case a != nil && b != nil:
		if a.Pair != b.Pair || !a.Sibling || !b.Sibling {
			return errPairBroken
		}
	case a != nil && a.Sibling, b != nil && b.Sibling:
		return errPairBroken
	}
	return nil
}
