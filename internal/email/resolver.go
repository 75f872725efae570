package email

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Common IMAP servers for popular email providers
var knownIMAPServers = map[string]string{
	"gmail.com":      "imap.gmail.com:993",
	"googlemail.com": "imap.gmail.com:993",
	"outlook.com":    "outlook.office365.com:993",
	"hotmail.com":    "outlook.office365.com:993",
	"live.com":       "outlook.office365.com:993",
	"msn.com":        "outlook.office365.com:993",
	"yahoo.com":      "imap.mail.yahoo.com:993",
	"yahoo.co.uk":    "imap.mail.yahoo.com:993",
	"yandex.ru":      "imap.yandex.ru:993",
	"yandex.com":     "imap.yandex.com:993",
	"mail.ru":        "imap.mail.ru:993",
	"bk.ru":          "imap.mail.ru:993",
	"list.ru":        "imap.mail.ru:993",
	"inbox.ru":       "imap.mail.ru:993",
	"icloud.com":     "imap.mail.me.com:993",
	"me.com":         "imap.mail.me.com:993",
	"mac.com":        "imap.mail.me.com:993",
	"aol.com":        "imap.aol.com:993",
	"zoho.com":       "imap.zoho.com:993",
	"protonmail.com": "127.0.0.1:1143", // ProtonMail Bridge
	"proton.me":      "127.0.0.1:1143",
	"fastmail.com":   "imap.fastmail.com:993",
	"gmx.com":        "imap.gmx.com:993",
	"gmx.de":         "imap.gmx.net:993",
	"web.de":         "imap.web.de:993",
	"t-online.de":    "secureimap.t-online.de:993",
	"rambler.ru":     "imap.rambler.ru:993",
}

// ServerResolver guesses the IMAP server for a login that is an email
// address. Results are cached per domain for the life of the process, so a
// config reload does not hit the network again.
type ServerResolver struct {
	// Reachable reports whether host:993 accepts TCP connections
	Reachable func(host string) bool
	// LookupMX returns the MX records of a domain
	LookupMX func(domain string) ([]*net.MX, error)

	mu    sync.Mutex
	cache map[string]string
}

// NewServerResolver creates a resolver that queries the real network
func NewServerResolver() *ServerResolver {
	return &ServerResolver{
		Reachable: checkIMAPServer,
		LookupMX:  net.LookupMX,
		cache:     make(map[string]string),
	}
}

// Resolve determines the IMAP server for an email address
func (r *ServerResolver) Resolve(login string) (string, error) {
	domain := GetDomainFromEmail(login)
	if domain == "" {
		return "", fmt.Errorf("login %q is not an email address", login)
	}

	if server, ok := knownIMAPServers[domain]; ok {
		return server, nil
	}

	r.mu.Lock()
	if r.cache == nil {
		r.cache = make(map[string]string)
	}
	cached, ok := r.cache[domain]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	server := r.discover(domain)

	r.mu.Lock()
	r.cache[domain] = server
	r.mu.Unlock()

	return server, nil
}

func (r *ServerResolver) discover(domain string) string {
	for _, host := range []string{"imap." + domain, "mail." + domain, domain} {
		if r.Reachable(host) {
			return host + ":993"
		}
	}

	if server, err := r.resolveViaMX(domain); err == nil {
		return server
	}

	return "imap." + domain + ":993"
}

// resolveViaMX derives the IMAP host from the primary MX record,
// e.g. mx.example.com -> imap.example.com
func (r *ServerResolver) resolveViaMX(domain string) (string, error) {
	mxRecords, err := r.LookupMX(domain)
	if err != nil || len(mxRecords) == 0 {
		return "", fmt.Errorf("no MX records found")
	}

	mxHost := strings.TrimSuffix(mxRecords[0].Host, ".")

	parts := strings.SplitN(mxHost, ".", 2)
	if len(parts) == 2 {
		for _, host := range []string{"imap." + parts[1], "mail." + parts[1]} {
			if r.Reachable(host) {
				return host + ":993", nil
			}
		}
	}

	return "", fmt.Errorf("could not determine IMAP server")
}

// checkIMAPServer checks if an IMAP server is reachable
func checkIMAPServer(host string) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, "993"), 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// GetDomainFromEmail extracts domain from email address
func GetDomainFromEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
