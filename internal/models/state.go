package models

import (
	"time"
)

// AuthState is one in-flight authorization attempt. The state value is the
// single-use anti-forgery token; RedirectURI is pinned here so the code
// exchange uses exactly the URI the authorization request was built with.
type AuthState struct {
	State       string
	RedirectURI string
	CreatedAt   time.Time
}
