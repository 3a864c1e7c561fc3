// Package directory answers authorization questions against an LDAP
// directory: group membership, per-channel filter predicates, and
// credential validation during registration.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ErrNotConfigured is returned when a check needs a setting that is empty.
var ErrNotConfigured = errors.New("directory: not configured")

// ldapConn is the subset of *ldap.Conn used by Client. It exists so tests can
// substitute a fake directory.
type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	IsClosing() bool
	Close() error
}

// dialFunc opens a new directory connection.
type dialFunc func(ctx context.Context, url string, timeout time.Duration) (ldapConn, error)

// Config addresses the directory.
type Config struct {
	URL              string
	BindDN           string
	BindPassword     string
	GroupFilter      string        // predicate for the admin group
	UsernameTemplate string        // e.g. "cn=%s,ou=People,dc=example,dc=com"
	Timeout          time.Duration // per network operation
}

// Client performs directory checks. The primary connection is bound with
// the service account, dialled lazily and re-dialled after it closes.
// Results are never cached.
type Client struct {
	cfg  Config
	dial dialFunc

	mu      sync.Mutex
	primary ldapConn
}

// New creates a Client. No connection is made until the first check.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("directory: url is required")
	}
	if cfg.GroupFilter == "" {
		return nil, fmt.Errorf("directory: group filter is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, dial: dialLDAP}, nil
}

func dialLDAP(ctx context.Context, url string, timeout time.Duration) (ldapConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := ldap.DialURL(url, ldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
	if err != nil {
		return nil, err
	}
	c.SetTimeout(timeout)
	return c, nil
}

// AccountDN builds the DN of a directory account from a bare username.
func (c *Client) AccountDN(username string) (string, error) {
	if !strings.Contains(c.cfg.UsernameTemplate, "%s") {
		return "", fmt.Errorf("directory: username template: %w", ErrNotConfigured)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", fmt.Errorf("directory: username is required")
	}
	return fmt.Sprintf(c.cfg.UsernameTemplate, ldap.EscapeDN(username)), nil
}

// CheckUserGroup reports whether identity satisfies the admin group filter.
func (c *Client) CheckUserGroup(ctx context.Context, identity string) (bool, error) {
	return c.CheckFilter(ctx, identity, c.cfg.GroupFilter)
}

// CheckFilter reports whether identity satisfies filter. The identity entry
// itself is searched with the filter, so a match means exactly one result.
// An empty filter never authorizes and makes no network call.
func (c *Client) CheckFilter(ctx context.Context, identity, filter string) (bool, error) {
	if strings.TrimSpace(filter) == "" || identity == "" {
		return false, nil
	}
	conn, err := c.primaryConn(ctx)
	if err != nil {
		return false, err
	}

	req := ldap.NewSearchRequest(
		identity,
		ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, int(c.cfg.Timeout/time.Second), false,
		filter,
		[]string{"dn"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return false, nil
		}
		c.dropPrimary(conn)
		return false, fmt.Errorf("directory: search %s: %w", identity, err)
	}
	return len(res.Entries) == 1, nil
}

// CheckCredentials validates a DN and password with a simple bind on a
// fresh connection that is closed afterwards, leaving the primary
// connection untouched. Empty passwords are rejected up front so an
// unauthenticated bind can never pass as a credential check.
func (c *Client) CheckCredentials(ctx context.Context, dn, password string) (bool, error) {
	if dn == "" || password == "" {
		return false, nil
	}
	conn, err := c.dial(ctx, c.cfg.URL, c.cfg.Timeout)
	if err != nil {
		return false, fmt.Errorf("directory: dial: %w", err)
	}
	defer conn.Close()

	if err := conn.Bind(dn, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return false, nil
		}
		return false, fmt.Errorf("directory: bind %s: %w", dn, err)
	}
	return true, nil
}

// Close releases the primary connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary == nil {
		return nil
	}
	err := c.primary.Close()
	c.primary = nil
	return err
}

// primaryConn returns the bound service connection, dialling if needed.
func (c *Client) primaryConn(ctx context.Context) (ldapConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary != nil && !c.primary.IsClosing() {
		return c.primary, nil
	}
	if c.primary != nil {
		c.primary.Close()
		c.primary = nil
	}

	conn, err := c.dial(ctx, c.cfg.URL, c.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("directory: dial: %w", err)
	}
	if c.cfg.BindDN != "" {
		if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("directory: service bind: %w", err)
		}
	}
	log.Printf("directory: connected to %s", c.cfg.URL)
	c.primary = conn
	return conn, nil
}

// dropPrimary discards conn after a failed operation so the next check
// starts from a fresh connection.
func (c *Client) dropPrimary(failed ldapConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary == failed {
		c.primary.Close()
		c.primary = nil
	}
}
