package accounts

import (
	"fmt"
	"sync"
)

// Database is a mapping from username to Account, plus a monotonic
// counter used to mint unique suffixes for ephemeral per-worker service
// accounts. It owns its accounts exclusively and is safe for concurrent
// use (spec.md section 4.2).
type Database struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	counter  uint64
}

// NewDatabase creates an empty accounts database.
func NewDatabase() *Database {
	return &Database{accounts: make(map[string]*Account)}
}

// Add inserts account, replacing any existing account with the same
// username.
func (d *Database) Add(account *Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[account.Username()] = account
}

// Remove deletes the account with the given username, if any.
func (d *Database) Remove(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.accounts, username)
}

// Lookup returns the account for username, if one exists.
func (d *Database) Lookup(username string) (*Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[username]
	return acc, ok
}

// Authenticate locates the account for username and returns it iff the
// presented secret matches. It does not distinguish "no such user" from
// "wrong secret" in its return value, by design: both must look identical
// to a caller probing for valid usernames.
func (d *Database) Authenticate(username, presentedSecret string) (*Account, bool) {
	acc, ok := d.Lookup(username)
	if !ok {
		// Still spend the time a real check would, so that an invalid
		// username doesn't authenticate measurably faster than a valid
		// one with a wrong password.
		dummy := &Account{username: "", secret: presentedSecret, kind: secretCleartext}
		dummy.CheckSecret(presentedSecret)
		return nil, false
	}
	if !acc.CheckSecret(presentedSecret) {
		return nil, false
	}
	return acc, true
}

// NewServiceAccountForWorker mints a uniquely-named, cleartext-secret
// service account scoped to one worker (e.g. for the worker's own
// connect-password account, if the deployment wants one modeled as a
// first-class Account rather than a bare token). The returned username
// embeds a monotonically increasing suffix so concurrent workers never
// collide.
func (d *Database) NewServiceAccountForWorker(workerID string, rights Rights) (*Account, error) {
	secret, err := GenerateToken(32)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.counter++
	suffix := d.counter
	d.mu.Unlock()

	username := fmt.Sprintf("_worker-%s-%d", workerID, suffix)
	acc := NewServiceAccount(username, secret, rights)
	d.Add(acc)
	return acc, nil
}

// RemoveWorkerAccounts removes every account whose username carries the
// given worker ID's service-account prefix. Called when a WorkerHandle is
// destroyed so its ephemeral account doesn't outlive it.
func (d *Database) RemoveWorkerAccounts(workerID string) {
	prefix := fmt.Sprintf("_worker-%s-", workerID)
	d.mu.Lock()
	defer d.mu.Unlock()
	for username := range d.accounts {
		if len(username) >= len(prefix) && username[:len(prefix)] == prefix {
			delete(d.accounts, username)
		}
	}
}

// Count returns the number of registered accounts.
func (d *Database) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.accounts)
}
