package auth

import "time"

type use struct {
	addr   string
	expiry int64 // Unix milliseconds
}

// ReplayGuard remembers token nonces until their tokens expire so a captured token cannot be
// used to open a session from a second address.
type ReplayGuard struct {
	seen map[string]use
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[string]use)}
}

// Use records that addr presented the token. Connect requests are resent until accepted, so the
// same address may present a token any number of times.
func (g *ReplayGuard) Use(token ConnectToken, addr string, now time.Time) error {
	g.prune(now)
	if u, ok := g.seen[token.Nonce]; ok && u.addr != addr {
		return ErrTokenReused
	}
	g.seen[token.Nonce] = use{addr: addr, expiry: token.ExpiresAt}
	return nil
}

func (g *ReplayGuard) prune(now time.Time) {
	ms := now.UnixMilli()
	for nonce, u := range g.seen {
		if ms >= u.expiry {
			delete(g.seen, nonce)
		}
	}
}

// Len returns the number of remembered nonces.
func (g *ReplayGuard) Len() int {
	return len(g.seen)
}
