package pv

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// PackageType is how a package's data is laid out in the archive.
type PackageType int

const (
	PackageUnknown PackageType = iota
	PackageFull
	PackageKeyValue
)

func (t PackageType) String() string {
	switch t {
	case PackageFull:
		return "full"
	case PackageKeyValue:
		return "keyValue"
	default:
		return "unknown"
	}
}

// keyEncoding keeps encoded keys free of '/' so they never add path levels.
var keyEncoding = base64.RawURLEncoding

func encodeKey(key string) string {
	return keyEncoding.EncodeToString([]byte(key))
}

func decodeKey(encoded string) (string, error) {
	raw, err := keyEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding key %q: %w", encoded, err)
	}
	return string(raw), nil
}

func (p Prefixes) fullName(pkg string) string {
	return p.Full + pkg
}

func (p Prefixes) keyValueDir(pkg string) string {
	return p.KeyValue + pkg + "/"
}

func (p Prefixes) recordName(pkg, key string) string {
	return p.keyValueDir(pkg) + encodeKey(key)
}

// classify returns the package an entry belongs to and its layout. Entries
// that are neither full-blob nor key/value (the salt, foreign files) report
// PackageUnknown.
func (p Prefixes) classify(name string) (string, PackageType) {
	if rest, ok := strings.CutPrefix(name, p.KeyValue); ok {
		if pkg, _, ok := strings.Cut(rest, "/"); ok && pkg != "" {
			return pkg, PackageKeyValue
		}
		return "", PackageUnknown
	}
	if rest, ok := strings.CutPrefix(name, p.Full); ok && rest != "" && !strings.Contains(rest, "/") {
		return rest, PackageFull
	}
	return "", PackageUnknown
}
