// Package sdk is the host surface exposed to external plugin processes.
// Every call is checked against the permissions granted to the plugin and
// fails closed.
package sdk

import (
	"fmt"
	"sort"
)

// Permission is a capability a plugin may be granted.
type Permission string

// Permissions.
const (
	DatabaseRead    Permission = "database:read"
	DatabaseWrite   Permission = "database:write"
	HTTPRequest     Permission = "http:request"
	CryptoEncrypt   Permission = "crypto:encrypt"
	CryptoDecrypt   Permission = "crypto:decrypt"
	Notification    Permission = "notification"
	EventEmit       Permission = "event:emit"
	EventSubscribe  Permission = "event:subscribe"
	FileSystemRead  Permission = "fs:read"
	FileSystemWrite Permission = "fs:write"
)

var knownPermissions = map[Permission]bool{
	DatabaseRead: true, DatabaseWrite: true, HTTPRequest: true,
	CryptoEncrypt: true, CryptoDecrypt: true, Notification: true,
	EventEmit: true, EventSubscribe: true, FileSystemRead: true, FileSystemWrite: true,
}

// PermissionSet is the set of permissions granted to one plugin.
type PermissionSet map[Permission]bool

// NewPermissionSet builds a set from perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = true
	}
	return s
}

// ParsePermissions converts manifest strings, rejecting unknown names.
func ParsePermissions(names []string) (PermissionSet, error) {
	s := make(PermissionSet, len(names))
	for _, n := range names {
		p := Permission(n)
		if !knownPermissions[p] {
			return nil, fmt.Errorf("unknown permission %q", n)
		}
		s[p] = true
	}
	return s, nil
}

// Has reports whether p is granted.
func (s PermissionSet) Has(p Permission) bool { return s[p] }

// List returns the granted permissions, sorted.
func (s PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(s))
	for p, ok := range s {
		if ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
