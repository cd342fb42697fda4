package nodes

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"regexp"
	"strings"
)

// Formula is a parsed node-code derivation rule of the form
// "hash({Field}...{Field})", e.g. "md5({UUID}@{MachineGuid}@{Macs})".
// The hash name and every placeholder are validated at parse time so an
// unknown name is a configuration error at startup, not a silent empty
// substitution.
type Formula struct {
	hash    string
	pattern string
}

// codeFields is the closed mapping from placeholder name to claim accessor.
var codeFields = map[string]func(NodeInfo) string{
	"UUID":        func(di NodeInfo) string { return di.UUID },
	"MachineGuid": func(di NodeInfo) string { return di.MachineGuid },
	"DiskID":      func(di NodeInfo) string { return di.DiskID },
	"Macs":        func(di NodeInfo) string { return di.Macs },
	"MachineName": func(di NodeInfo) string { return di.MachineName },
	"UserName":    func(di NodeInfo) string { return di.UserName },
}

// codeHashes is the extensible enumeration of hash functions a formula may
// name. RegisterHash adds entries before any formula is parsed.
var codeHashes = map[string]func([]byte) []byte{
	"crc":    hashCrc32,
	"crc16":  hashCrc16,
	"md5":    hashMd5,
	"md5_16": hashMd5Half,
}

// RegisterHash adds a hash function to the formula enumeration.
func RegisterHash(name string, fn func([]byte) []byte) {
	codeHashes[strings.ToLower(name)] = fn
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z]+)\}`)

// ParseFormula validates and compiles a node-code formula string.
func ParseFormula(s string) (*Formula, error) {
	open := strings.Index(s, "(")
	close := strings.LastIndex(s, ")")
	if open <= 0 || close <= open {
		return nil, fmt.Errorf("invalid node code formula %q: want hash({Field}...)", s)
	}

	hash := strings.ToLower(strings.TrimSpace(s[:open]))
	if _, ok := codeHashes[hash]; !ok {
		return nil, fmt.Errorf("unknown hash %q in node code formula %q", hash, s)
	}

	pattern := s[open+1 : close]
	names := placeholderRe.FindAllStringSubmatch(pattern, -1)
	if len(names) == 0 {
		return nil, fmt.Errorf("node code formula %q names no fingerprint fields", s)
	}
	for _, m := range names {
		if _, ok := codeFields[m[1]]; !ok {
			return nil, fmt.Errorf("unknown field %q in node code formula %q", m[1], s)
		}
	}

	return &Formula{hash: hash, pattern: pattern}, nil
}

// Apply derives a node code from the claim. Returns "" when every referenced
// field is empty, signalling the caller to fall back to a random code.
func (f *Formula) Apply(di NodeInfo) string {
	any := false
	uid := placeholderRe.ReplaceAllStringFunc(f.pattern, func(ph string) string {
		v := codeFields[ph[1:len(ph)-1]](di)
		if v != "" {
			any = true
		}
		return v
	})
	if !any {
		return ""
	}
	return hex.EncodeToString(codeHashes[f.hash]([]byte(uid)))
}

func hashCrc32(b []byte) []byte {
	v := crc32.ChecksumIEEE(b)
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// hashCrc16 computes CRC-16/CCITT-FALSE.
func hashCrc16(b []byte) []byte {
	var crc uint16 = 0xFFFF
	for _, c := range b {
		crc ^= uint16(c) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return []byte{byte(crc >> 8), byte(crc)}
}

func hashMd5(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[:]
}

// hashMd5Half returns the middle 8 bytes of the MD5 digest.
func hashMd5Half(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[4:12]
}
