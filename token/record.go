package token

import "time"

// Pair is the credential pair returned by the login and refresh endpoints.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Record is the decoded view of the persisted pair.
//
// ExpiresAt is derived from the access token, never stored. A zero ExpiresAt with a
// non-empty AccessToken means the token could not be decoded.
type Record struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Present reports whether an access token is held.
func (r Record) Present() bool {
	return r.AccessToken != ""
}

// HasRefresh reports whether the session can be renewed.
func (r Record) HasRefresh() bool {
	return r.RefreshToken != ""
}

// ExpiresWithin reports whether the access token expires within d of now.
// Unknown expiry counts as expiring.
func (r Record) ExpiresWithin(now time.Time, d time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(d).Before(r.ExpiresAt)
}

// Pair returns the raw credential pair.
func (r Record) Pair() Pair {
	return Pair{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

// NewRecord decodes p into a Record. Decode failures leave ExpiresAt zero.
func NewRecord(p Pair) Record {
	rec := Record{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken}
	if p.AccessToken != "" {
		if exp, err := Decode(p.AccessToken); err == nil {
			rec.ExpiresAt = exp
		}
	}
	return rec
}
