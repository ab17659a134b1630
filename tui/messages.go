package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgTokensFound signals that a stored user token was restored from disk.
type MsgTokensFound struct{}

// MsgTokenValid signals that the restored access token is still valid.
type MsgTokenValid struct{}

// MsgTokenExpired signals that the restored access token has expired.
type MsgTokenExpired struct{}

// MsgRefreshFailed signals that refreshing the restored token failed.
type MsgRefreshFailed struct{ Err error }

// MsgTokensNotFound signals that no stored token exists.
type MsgTokensNotFound struct{}

// MsgLoggingIn signals that the password login has started.
type MsgLoggingIn struct{ Username string }

// MsgLoginOK signals that the user logged in.
type MsgLoginOK struct{}

// MsgLoginFailed signals that the login was rejected.
type MsgLoginFailed struct{ Err error }

// MsgGuestMode signals that no credentials are configured and only client
// tokens are used.
type MsgGuestMode struct{}

// MsgClientTokenLoaded signals that a client credentials token was issued.
type MsgClientTokenLoaded struct {
	TokenType string
	ExpiresIn time.Duration
}

// MsgTokenSaved signals that tokens were saved to disk.
type MsgTokenSaved struct{ Path string }

// MsgTokenSaveFailed signals that saving tokens failed.
type MsgTokenSaveFailed struct{ Err error }

// MsgRequesting signals that a batch of storefront calls has started.
type MsgRequesting struct{ Count int }

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct {
	Path   string
	Status int
}

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct {
	Path string
	Err  error
}

// MsgTokenRefreshed signals that storage received a refreshed access token.
type MsgTokenRefreshed struct{}

// MsgNotification carries a global message.
type MsgNotification struct {
	Key      string
	Severity string
}

// MsgNavigated signals that the session navigated to URL.
type MsgNavigated struct{ URL string }

// MsgReAuthRequired signals that the session expired and login is repeated.
type MsgReAuthRequired struct{}

// MsgDone signals successful completion of the storefront flow.
type MsgDone struct {
	Preview   string
	TokenType string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
