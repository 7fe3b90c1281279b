package safety

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const tokenTTL = 5 * time.Minute

// pendingConfirmation holds the metadata for an outstanding confirmation token.
type pendingConfirmation struct {
	tool         string
	resourceName string
	description  string
	createdAt    time.Time
}

// ConfirmationTracker manages single-use, time-limited confirmation tokens for
// destructive tool invocations. A token is only valid for the tool and
// resource it was issued for.
type ConfirmationTracker struct {
	destructive map[string]struct{}
	now         func() time.Time

	mu     sync.Mutex
	tokens map[string]*pendingConfirmation
}

// NewConfirmationTracker returns a ConfirmationTracker whose set of tools
// requiring explicit confirmation is defined by destructiveTools. A nil or
// empty slice means no tools require confirmation.
func NewConfirmationTracker(destructiveTools []string) *ConfirmationTracker {
	ct := &ConfirmationTracker{
		destructive: make(map[string]struct{}, len(destructiveTools)),
		now:         time.Now,
		tokens:      make(map[string]*pendingConfirmation),
	}
	for _, tool := range destructiveTools {
		ct.destructive[tool] = struct{}{}
	}
	return ct
}

// NeedsConfirmation reports whether tool is in the destructive-tools set.
func (ct *ConfirmationTracker) NeedsConfirmation(tool string) bool {
	_, ok := ct.destructive[tool]
	return ok
}

// sweepExpired removes all tokens whose age exceeds tokenTTL. The caller must
// hold ct.mu.
func (ct *ConfirmationTracker) sweepExpired() {
	now := ct.now()
	for token, pending := range ct.tokens {
		if now.Sub(pending.createdAt) > tokenTTL {
			delete(ct.tokens, token)
		}
	}
}

// RequestConfirmation creates a new confirmation token for the given tool,
// resource, and description and returns the opaque token string. Tokens are
// valid for 5 minutes and are single-use.
func (ct *ConfirmationTracker) RequestConfirmation(tool, resourceName, description string) string {
	token := generateToken()

	ct.mu.Lock()
	ct.sweepExpired()
	ct.tokens[token] = &pendingConfirmation{
		tool:         tool,
		resourceName: resourceName,
		description:  description,
		createdAt:    ct.now(),
	}
	ct.mu.Unlock()

	return token
}

// Confirm consumes the given token and returns true if it was issued for tool
// and resourceName and has not expired. A token presented for a different
// tool or resource is still consumed.
func (ct *ConfirmationTracker) Confirm(token, tool, resourceName string) bool {
	if token == "" {
		return false
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	pending, ok := ct.tokens[token]
	if !ok {
		return false
	}

	// Single-use.
	delete(ct.tokens, token)

	if ct.now().Sub(pending.createdAt) > tokenTTL {
		return false
	}
	return pending.tool == tool && pending.resourceName == resourceName
}

// Pending returns the number of outstanding, unexpired tokens.
func (ct *ConfirmationTracker) Pending() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.sweepExpired()
	return len(ct.tokens)
}

// generateToken returns a cryptographically random hex-encoded token string.
func generateToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b[:])
}
