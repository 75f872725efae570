// Package account parses mailbox credential lines into immutable descriptors.
package account

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
)

// DefaultPort is used when a server address has no port
const DefaultPort = "993"

// ErrDuplicate is returned for a line whose key was already seen
var ErrDuplicate = errors.New("duplicate account")

// Descriptor is one mailbox credential set. Values are never mutated after parsing.
type Descriptor struct {
	Server     string // host:port
	Login      string
	Credential string
	Key        string // host:login, partition key for all per-account state
}

// Host returns the server address without the port
func (d Descriptor) Host() string {
	host, _, err := net.SplitHostPort(d.Server)
	if err != nil {
		return d.Server
	}
	return host
}

// String never prints the credential
func (d Descriptor) String() string {
	return d.Key
}

// Options customizes line parsing
type Options struct {
	// ResolveServer is called when the server field is empty
	ResolveServer func(login string) (string, error)
	// ResolveCredential turns a credential reference into the secret
	ResolveCredential func(ref string) (string, error)
}

// LineError reports a line that could not be parsed
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// MakeKey builds the account key from a server address and login
func MakeKey(server, login string) string {
	host, _, err := net.SplitHostPort(server)
	if err != nil {
		host = server
	}
	return strings.ToLower(host) + ":" + login
}

// ParseLine parses "server,login,credential"
func ParseLine(line string, opts Options) (Descriptor, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return Descriptor{}, fmt.Errorf("expected server,login,credential, got %d fields", len(parts))
	}

	server := strings.TrimSpace(parts[0])
	login := strings.TrimSpace(parts[1])
	credential := strings.TrimSpace(parts[2])

	if login == "" {
		return Descriptor{}, fmt.Errorf("empty login")
	}
	if credential == "" {
		return Descriptor{}, fmt.Errorf("empty credential for %s", login)
	}

	if server == "" {
		if opts.ResolveServer == nil {
			return Descriptor{}, fmt.Errorf("empty server for %s", login)
		}
		resolved, err := opts.ResolveServer(login)
		if err != nil {
			return Descriptor{}, fmt.Errorf("failed to resolve server for %s: %w", login, err)
		}
		server = resolved
	}

	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, DefaultPort)
	}

	if opts.ResolveCredential != nil {
		secret, err := opts.ResolveCredential(credential)
		if err != nil {
			return Descriptor{}, fmt.Errorf("failed to resolve credential for %s: %w", login, err)
		}
		credential = secret
	}

	return Descriptor{
		Server:     server,
		Login:      login,
		Credential: credential,
		Key:        MakeKey(server, login),
	}, nil
}

// ParseList parses a line-oriented account list. Blank lines and lines
// starting with # are skipped. Bad lines are reported and do not stop parsing.
func ParseList(text string, opts Options) ([]Descriptor, []error) {
	var (
		accounts []Descriptor
		errs     []error
		seen     = make(map[string]bool)
	)

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		desc, err := ParseLine(line, opts)
		if err != nil {
			errs = append(errs, &LineError{Line: lineNo, Err: err})
			continue
		}
		if seen[desc.Key] {
			errs = append(errs, &LineError{Line: lineNo, Err: fmt.Errorf("%w: %s", ErrDuplicate, desc.Key)})
			continue
		}
		seen[desc.Key] = true
		accounts = append(accounts, desc)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}

	return accounts, errs
}
