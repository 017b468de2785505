package ftp

import (
	"strconv"
	"strings"
	"time"
)

type mlsxListingParser struct{}

// Parse decodes one "fact1=val1;fact2=val2;... name" MLSx line per
// RFC 3659 §7. Fact names are case-insensitive; UNIX.* facts are
// normalized to a lowercase "unix.foo" key.
func (mlsxListingParser) Parse(line string, now time.Time) (*Entry, bool) {
	spaceIdx := strings.Index(line, " ")
	if spaceIdx < 0 {
		return nil, false
	}
	factsPart, name := line[:spaceIdx], line[spaceIdx+1:]
	if name == "" {
		return nil, false
	}

	facts := make(map[string]string)
	for _, pair := range strings.Split(factsPart, ";") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		facts[strings.ToLower(k)] = v
	}
	if factsPart != "" && len(facts) == 0 {
		return nil, false
	}

	entry := &Entry{Name: name, Raw: line, Size: -1}

	switch strings.ToLower(facts["type"]) {
	case "dir", "cdir", "pdir":
		entry.Type = EntryDir
	case "file":
		entry.Type = EntryFile
	default:
		entry.Type = EntryUnknown
	}

	if sizeVal, ok := facts["size"]; ok {
		if size, err := strconv.ParseInt(sizeVal, 10, 64); err == nil {
			entry.Size = size
		}
	}

	if modifyVal, ok := facts["modify"]; ok {
		if t, ok := parseMLSxTimestamp(modifyVal); ok {
			entry.ModTime = t
			entry.HasTime = true
		}
	}

	entry.Perm = mlsxPermissions(facts)

	return entry, true
}

// parseMLSxTimestamp parses RFC 3659 §2.3's "YYYYMMDDHHMMSS[.fraction]"
// form, always UTC. The fractional part, if present, is dropped — the
// spec's Entry.ModTime carries only whole-second resolution.
func parseMLSxTimestamp(s string) (time.Time, bool) {
	s, _, _ = strings.Cut(s, ".")
	if len(s) != 14 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// mlsxPermissions derives a Permissions record. UNIX.mode (a 4-digit
// octal string) takes priority and is decomposed into u/g/o triples;
// otherwise it is synthesized from the "perm" fact letters, which only
// describe what the current user may do, so the result applies to User
// only.
func mlsxPermissions(facts map[string]string) *Permissions {
	if mode, ok := facts["unix.mode"]; ok {
		if perms, ok := decodeOctalMode(mode); ok {
			return perms
		}
	}

	perm, ok := facts["perm"]
	if !ok {
		return nil
	}

	var user Perm
	for _, c := range perm {
		switch c {
		case 'a', 'c', 'm', 'p', 'w':
			user.Write = true
		case 'r':
			user.Read = true
		case 'e', 'l':
			user.Execute = true
		}
	}
	return &Permissions{User: user}
}

// decodeOctalMode decomposes a 4-digit octal UNIX.mode fact (e.g.
// "0755") into user/group/other triples, ignoring the leading
// setuid/setgid/sticky digit.
func decodeOctalMode(mode string) (*Permissions, bool) {
	if len(mode) < 3 {
		return nil, false
	}
	digits := mode[len(mode)-3:]
	v, err := strconv.ParseUint(digits, 8, 16)
	if err != nil {
		return nil, false
	}

	triple := func(bits uint64) Perm {
		return Perm{Read: bits&4 != 0, Write: bits&2 != 0, Execute: bits&1 != 0}
	}

	return &Permissions{
		User:  triple((v >> 6) & 0o7),
		Group: triple((v >> 3) & 0o7),
		Other: triple(v & 0o7),
	}, true
}
