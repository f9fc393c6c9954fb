// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package authdb implements peer authorization against a per-user
// .amandahosts file: host/user/service matching with the same ownership
// and permission checks the original amandahosts format requires.
package authdb

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// defaultServices is the implicit service set a .amandahosts line grants
// when no service list is given.
var defaultServices = map[string]bool{
	"noop":       true,
	"selfcheck":  true,
	"sendsize":   true,
	"sendbackup": true,
}

// serviceAliases expands a line's service token into the set it actually
// grants. "amdump" is shorthand for the default four services.
var serviceAliases = map[string][]string{
	"amdump": {"noop", "selfcheck", "sendsize", "sendbackup"},
}

// Request describes the peer asking to be authorized and the service it
// is asking to run.
type Request struct {
	// Host is the peer's claimed hostname, as presented by the transport
	// (e.g. the security.Handle's PeerHostname).
	Host string
	// Addr is the peer's resolved network address, used only to decide
	// whether a "localhost" line applies (loopback special case).
	Addr net.Addr
	// RemoteUser is the user the peer is connecting as.
	RemoteUser string
	// Service is the service being requested, e.g. "sendbackup".
	Service string
}

// CheckAmandaHosts authorizes req against homeDir/.amandahosts, owned by
// expectedUID and running as localUser. It returns nil if authorized, or
// an error describing the failure in a form suitable for a NAK body.
func CheckAmandaHosts(homeDir string, expectedUID int, localUser string, req Request) error {
	path := filepath.Join(homeDir, ".amandahosts")

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("authdb: cannot open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("authdb: cannot stat %s: %w", path, err)
	}
	if err := checkOwnerAndMode(path, info, expectedUID); err != nil {
		return err
	}

	loopback := isLoopback(req.Addr)

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		fileHost := fields[0]
		fileUser := localUser
		if len(fields) > 1 {
			fileUser = fields[1]
		}
		var fileServices []string
		if len(fields) > 2 {
			fileServices = strings.Split(fields[2], ",")
		}

		if !hostMatches(fileHost, req.Host, loopback) {
			continue
		}
		if !strings.EqualFold(fileUser, req.RemoteUser) {
			continue
		}
		if req.Service == "" {
			return nil
		}
		if serviceMatches(fileServices, req.Service) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("authdb: error reading %s: %w", path, err)
	}

	return fmt.Errorf("authdb: %s@%s is not authorized for service %q in %s",
		req.RemoteUser, req.Host, req.Service, path)
}

func checkOwnerAndMode(path string, info os.FileInfo, expectedUID int) error {
	if uid, ok := fileOwner(info); ok && uid != expectedUID {
		return fmt.Errorf("authdb: %s is not owned by uid %d", path, expectedUID)
	}
	if info.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("authdb: %s is group/other accessible (mode %04o), refusing to trust it", path, info.Mode().Perm())
	}
	return nil
}

// hostMatches compares a .amandahosts host token against the peer's
// claimed host, applying the localhost loopback special case: a line
// naming "localhost" or "localhost.localdomain" matches any peer that
// resolved over a loopback address even if the literal names differ. A
// "localhost"-style name on either side is trusted only when loopback is
// true — a peer merely claiming the literal string "localhost" from a
// real network address must not match on string equality alone.
func hostMatches(fileHost, peerHost string, loopback bool) bool {
	if isLocalhostAlias(fileHost) || isLocalhostAlias(peerHost) {
		return loopback
	}
	return strings.EqualFold(fileHost, peerHost)
}

func isLocalhostAlias(host string) bool {
	return strings.EqualFold(host, "localhost") || strings.EqualFold(host, "localhost.localdomain")
}

func serviceMatches(fileServices []string, service string) bool {
	if len(fileServices) == 0 {
		return defaultServices[service]
	}
	for _, s := range fileServices {
		s = strings.TrimSpace(s)
		if strings.EqualFold(s, service) {
			return true
		}
		if alias, ok := serviceAliases[strings.ToLower(s)]; ok {
			for _, a := range alias {
				if strings.EqualFold(a, service) {
					return true
				}
			}
		}
	}
	return false
}

func isLoopback(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
