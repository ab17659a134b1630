package tui

import (
	"fmt"
	"io"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all output from the storefront flow. Implementations
// must be safe for concurrent use: API calls report from their own
// goroutines.
type Displayer interface {
	Banner()
	TokensFound()
	TokenValid()
	TokenExpired()
	TokensNotFound()
	RefreshFailed(err error)
	LoggingIn(username string)
	LoginOK()
	LoginFailed(err error)
	GuestMode()
	ClientTokenLoaded(tokenType string, expiresIn time.Duration)
	TokenSaved(path string)
	TokenSaveFailed(err error)
	Requesting(count int)
	APICallOK(path string, status int)
	APICallFailed(path string, err error)
	TokenRefreshed()
	Notification(key, severity string)
	Navigated(url string)
	ReAuthRequired()
	Done(preview, tokenType string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *PlainDisplayer) Banner() {
	p.printf("=== Storefront CLI (OAuth password flow with token refresh) ===\n\n")
}

func (p *PlainDisplayer) TokensFound() {
	p.printf("Found existing tokens!\n")
}

func (p *PlainDisplayer) TokenValid() {
	p.printf("Access token is still valid, using it...\n")
}

func (p *PlainDisplayer) TokenExpired() {
	p.printf("Access token expired, refreshing...\n")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	p.printf("Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) TokensNotFound() {
	p.printf("No existing tokens found.\n")
}

func (p *PlainDisplayer) LoggingIn(username string) {
	p.printf("Logging in as %s...\n", username)
}

func (p *PlainDisplayer) LoginOK() {
	p.printf("Login successful!\n")
}

func (p *PlainDisplayer) LoginFailed(err error) {
	p.printf("Login failed: %v\n", err)
}

func (p *PlainDisplayer) GuestMode() {
	p.printf("No credentials configured, continuing as guest...\n")
}

func (p *PlainDisplayer) ClientTokenLoaded(tokenType string, expiresIn time.Duration) {
	p.printf("Client token issued (%s, expires in %s)\n", tokenType, expiresIn.Round(time.Second))
}

func (p *PlainDisplayer) TokenSaved(path string) {
	p.printf("Tokens saved to %s\n", path)
}

func (p *PlainDisplayer) TokenSaveFailed(err error) {
	p.printf("Warning: Failed to save tokens: %v\n", err)
}

func (p *PlainDisplayer) Requesting(count int) {
	p.printf("\nCalling %d storefront endpoints...\n", count)
}

func (p *PlainDisplayer) APICallOK(path string, status int) {
	p.printf("%s: %d OK\n", path, status)
}

func (p *PlainDisplayer) APICallFailed(path string, err error) {
	p.printf("%s: failed: %v\n", path, err)
}

func (p *PlainDisplayer) TokenRefreshed() {
	p.printf("Access token refreshed.\n")
}

func (p *PlainDisplayer) Notification(key, severity string) {
	p.printf("[%s] %s\n", severity, key)
}

func (p *PlainDisplayer) Navigated(url string) {
	p.printf("Navigated to %s\n", url)
}

func (p *PlainDisplayer) ReAuthRequired() {
	p.printf("Session expired, logging in again...\n")
}

func (p *PlainDisplayer) Done(preview, tokenType string, expiresIn time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Token Info:")
	fmt.Fprintf(p.w, "Access Token: %s...\n", preview)
	fmt.Fprintf(p.w, "Token Type: %s\n", tokenType)
	fmt.Fprintf(p.w, "Expires In: %s\n", expiresIn.Round(time.Second))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	p.printf("Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                     {}
func (NoopDisplayer) TokensFound()                                {}
func (NoopDisplayer) TokenValid()                                 {}
func (NoopDisplayer) TokenExpired()                               {}
func (NoopDisplayer) TokensNotFound()                             {}
func (NoopDisplayer) RefreshFailed(_ error)                       {}
func (NoopDisplayer) LoggingIn(_ string)                          {}
func (NoopDisplayer) LoginOK()                                    {}
func (NoopDisplayer) LoginFailed(_ error)                         {}
func (NoopDisplayer) GuestMode()                                  {}
func (NoopDisplayer) ClientTokenLoaded(_ string, _ time.Duration) {}
func (NoopDisplayer) TokenSaved(_ string)                         {}
func (NoopDisplayer) TokenSaveFailed(_ error)                     {}
func (NoopDisplayer) Requesting(_ int)                            {}
func (NoopDisplayer) APICallOK(_ string, _ int)                   {}
func (NoopDisplayer) APICallFailed(_ string, _ error)             {}
func (NoopDisplayer) TokenRefreshed()                             {}
func (NoopDisplayer) Notification(_, _ string)                    {}
func (NoopDisplayer) Navigated(_ string)                          {}
func (NoopDisplayer) ReAuthRequired()                             {}
func (NoopDisplayer) Done(_, _ string, _ time.Duration)           {}
func (NoopDisplayer) Fatal(_ error)                               {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) TokensFound() {
	t.p.Send(MsgTokensFound{})
}

func (t *ProgramDisplayer) TokenValid() {
	t.p.Send(MsgTokenValid{})
}

func (t *ProgramDisplayer) TokenExpired() {
	t.p.Send(MsgTokenExpired{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) LoggingIn(username string) {
	t.p.Send(MsgLoggingIn{Username: username})
}

func (t *ProgramDisplayer) LoginOK() {
	t.p.Send(MsgLoginOK{})
}

func (t *ProgramDisplayer) LoginFailed(err error) {
	t.p.Send(MsgLoginFailed{Err: err})
}

func (t *ProgramDisplayer) GuestMode() {
	t.p.Send(MsgGuestMode{})
}

func (t *ProgramDisplayer) ClientTokenLoaded(tokenType string, expiresIn time.Duration) {
	t.p.Send(MsgClientTokenLoaded{TokenType: tokenType, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) TokenSaved(path string) {
	t.p.Send(MsgTokenSaved{Path: path})
}

func (t *ProgramDisplayer) TokenSaveFailed(err error) {
	t.p.Send(MsgTokenSaveFailed{Err: err})
}

func (t *ProgramDisplayer) Requesting(count int) {
	t.p.Send(MsgRequesting{Count: count})
}

func (t *ProgramDisplayer) APICallOK(path string, status int) {
	t.p.Send(MsgAPICallOK{Path: path, Status: status})
}

func (t *ProgramDisplayer) APICallFailed(path string, err error) {
	t.p.Send(MsgAPICallFailed{Path: path, Err: err})
}

func (t *ProgramDisplayer) TokenRefreshed() {
	t.p.Send(MsgTokenRefreshed{})
}

func (t *ProgramDisplayer) Notification(key, severity string) {
	t.p.Send(MsgNotification{Key: key, Severity: severity})
}

func (t *ProgramDisplayer) Navigated(url string) {
	t.p.Send(MsgNavigated{URL: url})
}

func (t *ProgramDisplayer) ReAuthRequired() {
	t.p.Send(MsgReAuthRequired{})
}

func (t *ProgramDisplayer) Done(preview, tokenType string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, TokenType: tokenType, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
