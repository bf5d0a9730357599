package license

import "time"

// Expiry is either Never (perpetual) or At a point in time. The zero value is Never.
type Expiry struct {
	at  time.Time
	set bool
}

func Never() Expiry {
	return Expiry{}
}

func At(t time.Time) Expiry {
	return Expiry{at: t, set: true}
}

func ExpiryFromPtr(t *time.Time) Expiry {
	if t == nil {
		return Never()
	}
	return At(*t)
}

func (e Expiry) IsNever() bool {
	return !e.set
}

// Time returns the expiry instant; ok is false for Never.
func (e Expiry) Time() (t time.Time, ok bool) {
	return e.at, e.set
}

// Ptr is the persisted form: nil means perpetual.
func (e Expiry) Ptr() *time.Time {
	if !e.set {
		return nil
	}
	t := e.at
	return &t
}

// ExpiredAt reports whether now is past the expiry. Never does not expire.
func (e Expiry) ExpiredAt(now time.Time) bool {
	return e.set && now.After(e.at)
}

func (e Expiry) String() string {
	if !e.set {
		return "never"
	}
	return e.at.UTC().Format(time.RFC3339)
}
