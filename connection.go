package mssqlmcp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microsoft/go-mssqldb/msdsn"
)

// ConnectionManager holds the current connection string. The target database
// can be switched at runtime; everything else about the string is fixed.
// It is safe for concurrent use.
type ConnectionManager struct {
	mu             sync.RWMutex
	connString     string
	database       string
	commandTimeout time.Duration
}

// NewConnectionManager validates connString with the driver's parser.
// URL (sqlserver://), ADO (key=value;) and ODBC (odbc:) forms are accepted.
func NewConnectionManager(connString string, commandTimeout time.Duration) (*ConnectionManager, error) {
	cfg, err := msdsn.Parse(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if commandTimeout < 0 {
		return nil, fmt.Errorf("command timeout must be >= 0, got %s", commandTimeout)
	}
	return &ConnectionManager{
		connString:     connString,
		database:       cfg.Database,
		commandTimeout: commandTimeout,
	}, nil
}

// ConnectionString returns the current connection string, credentials included.
func (m *ConnectionManager) ConnectionString() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connString
}

// Database returns the current database, or "" when the login's default applies.
func (m *ConnectionManager) Database() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.database
}

// CommandTimeout bounds a single connection attempt. Zero means no bound.
func (m *ConnectionManager) CommandTimeout() time.Duration {
	return m.commandTimeout
}

// SwitchDatabase points the connection string at another database and
// returns the previous one.
func (m *ConnectionManager) SwitchDatabase(name string) (string, error) {
	if err := validateDatabaseName(name); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := withDatabase(m.connString, name)
	if err != nil {
		return "", err
	}
	prev := m.database
	m.connString = next
	m.database = name
	return prev, nil
}

// snapshot returns the connection string and database as one consistent pair.
func (m *ConnectionManager) snapshot() (string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connString, m.database
}

// restore puts back a pair taken by snapshot.
func (m *ConnectionManager) restore(connString, database string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connString = connString
	m.database = database
}

// Redacted returns the connection string with the password masked, for logs.
func (m *ConnectionManager) Redacted() string {
	return RedactConnString(m.ConnectionString())
}

func validateDatabaseName(name string) error {
	if strings.TrimSpace(name) == "" {
		return newInputError("database name must be non-empty")
	}
	if len(name) > 128 {
		return newInputError("database name exceeds 128 characters")
	}
	if strings.ContainsAny(name, ";{}[]\"'\x00\r\n") {
		return newInputError(fmt.Sprintf("database name %q contains invalid characters", name))
	}
	return nil
}

// withDatabase rewrites the database parameter of a connection string in any
// of the driver's supported forms.
func withDatabase(connString, database string) (string, error) {
	switch {
	case strings.HasPrefix(connString, "sqlserver://"):
		u, err := url.Parse(connString)
		if err != nil {
			return "", fmt.Errorf("failed to parse connection URL: %w", err)
		}
		q := u.Query()
		for k := range q {
			switch strings.ToLower(k) {
			case "database", "initial catalog":
				q.Del(k)
			}
		}
		q.Set("database", database)
		u.RawQuery = q.Encode()
		return u.String(), nil
	case strings.HasPrefix(connString, "odbc:"):
		return "odbc:" + setPair(strings.TrimPrefix(connString, "odbc:"), "database", database, "initial catalog"), nil
	default:
		return setPair(connString, "database", database, "initial catalog"), nil
	}
}

// setPair replaces key (and its aliases) in a semicolon-separated key=value list.
func setPair(s, key, value string, aliases ...string) string {
	drop := map[string]bool{key: true}
	for _, a := range aliases {
		drop[a] = true
	}
	var parts []string
	for _, p := range strings.Split(s, ";") {
		if strings.TrimSpace(p) == "" {
			continue
		}
		k, _, _ := strings.Cut(p, "=")
		if drop[strings.ToLower(strings.TrimSpace(k))] {
			continue
		}
		parts = append(parts, p)
	}
	parts = append(parts, key+"="+value)
	return strings.Join(parts, ";")
}

// RedactConnString masks the password in a connection string.
func RedactConnString(connString string) string {
	if strings.HasPrefix(connString, "sqlserver://") {
		u, err := url.Parse(connString)
		if err != nil {
			return "sqlserver://<unparseable>"
		}
		return u.Redacted()
	}
	prefix := ""
	rest := connString
	if strings.HasPrefix(rest, "odbc:") {
		prefix, rest = "odbc:", strings.TrimPrefix(rest, "odbc:")
	}
	parts := strings.Split(rest, ";")
	for i, p := range parts {
		k, _, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password", "pwd":
			parts[i] = k + "=xxxxx"
		}
	}
	return prefix + strings.Join(parts, ";")
}

// BuildConnString builds a sqlserver:// URL from CLI connection settings and
// credentials. An empty user leaves authentication to the driver (integrated auth).
func BuildConnString(cc ConnectionConfig, user, password string) string {
	host := cc.Host
	if host == "" {
		host = "localhost"
	}
	u := &url.URL{Scheme: "sqlserver", Host: host}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	if cc.Port > 0 {
		u.Host = net.JoinHostPort(host, strconv.Itoa(cc.Port))
	}
	if cc.Instance != "" {
		u.Path = "/" + cc.Instance
	}

	q := url.Values{}
	if cc.Database != "" {
		q.Set("database", cc.Database)
	}
	if cc.Encrypt != "" {
		q.Set("encrypt", cc.Encrypt)
	}
	if cc.TrustServerCertificate {
		q.Set("TrustServerCertificate", "true")
	}
	appName := cc.AppName
	if appName == "" {
		appName = "gomssqlmcp"
	}
	q.Set("app name", appName)
	u.RawQuery = q.Encode()
	return u.String()
}
