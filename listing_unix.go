package ftp

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// unixLineRegexp decomposes a Unix "ls -l" line: type char, nine
// permission characters with an optional trailing '+' (ACL present),
// link count, owner, group, size, a date in either "Mon DD HH:MM" or
// "Mon DD YYYY" form, and the name (which may itself contain spaces, so
// it is captured greedily to end of line).
var unixLineRegexp = regexp.MustCompile(
	`^([-dl])([-rwxstST]{9})(\+)?\s+(\d+)\s+(\S+)\s+(\S+)\s+(\d+)\s+` +
		`(\w{3})\s+(\d{1,2})\s+(\d{1,2}:\d{2}|\d{4})\s+(.+)$`)

type unixListingParser struct{}

func (unixListingParser) Parse(line string, now time.Time) (*Entry, bool) {
	m := unixLineRegexp.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}

	typeChar, permChars, acl := m[1], m[2], m[3]
	linkCount := m[4]
	owner, group := m[5], m[6]
	sizeStr := m[7]
	month, day, timeOrYear := m[8], m[9], m[10]
	name := m[11]

	size, err := parseSize(sizeStr)
	if err != nil {
		return nil, false
	}

	monthNum, ok := monthIndex[strings.ToLower(month)]
	if !ok {
		return nil, false
	}
	dayNum, err := strconv.Atoi(day)
	if err != nil {
		return nil, false
	}

	entry := &Entry{
		Size:  size,
		Owner: owner,
		Group: group,
		ACL:   acl == "+",
		Raw:   line,
	}
	_ = linkCount

	switch typeChar {
	case "d":
		entry.Type = EntryDir
	case "l":
		entry.Type = EntrySymlink
	default:
		entry.Type = EntryFile
	}

	perm, sticky := parseUnixPerms(permChars)
	entry.Perm = perm
	entry.Perm.Sticky = sticky

	modTime, hasTime, ok := parseUnixDate(monthNum, dayNum, timeOrYear, now)
	if !ok {
		return nil, false
	}
	entry.ModTime = modTime
	entry.HasTime = hasTime

	if entry.Type == EntrySymlink {
		if before, after, found := strings.Cut(name, " -> "); found {
			entry.Name = before
			entry.Target = after
		} else {
			entry.Name = name
		}
	} else {
		entry.Name = name
	}

	return entry, true
}

// parseUnixPerms decodes the nine-character rwx string into user,
// group, and other triples. A trailing 't' on the other triple's
// execute position sets Sticky and is treated as executable; a
// trailing 'T' sets Sticky and is treated as not executable. 's'/'S' on
// any triple's execute position (setuid/setgid) is treated the same
// way, minus the sticky bit.
func parseUnixPerms(s string) (*Permissions, bool) {
	triple := func(s string, stickyCapable bool) (Perm, bool) {
		p := Perm{Read: s[0] == 'r', Write: s[1] == 'w'}
		sticky := false
		switch s[2] {
		case 'x', 's':
			p.Execute = true
		case 'S':
			p.Execute = false
		case 't':
			if stickyCapable {
				sticky = true
				p.Execute = true
			}
		case 'T':
			if stickyCapable {
				sticky = true
				p.Execute = false
			}
		}
		return p, sticky
	}

	user, _ := triple(s[0:3], false)
	group, _ := triple(s[3:6], false)
	other, sticky := triple(s[6:9], true)

	return &Permissions{User: user, Group: group, Other: other}, sticky
}

// parseUnixDate resolves the "Mon DD HH:MM" / "Mon DD YYYY" date field.
// The HH:MM form carries no year and is resolved against now via
// inferYear; hasTime reports whether a time-of-day component is known
// (false for the YYYY form, where only the date is meaningful).
func parseUnixDate(month, day int, timeOrYear string, now time.Time) (t time.Time, hasTime bool, ok bool) {
	if year, err := strconv.Atoi(timeOrYear); err == nil && len(timeOrYear) == 4 {
		return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), false, true
	}

	hh, mm, found := strings.Cut(timeOrYear, ":")
	if !found {
		return time.Time{}, false, false
	}
	hour, err1 := strconv.Atoi(hh)
	minute, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil {
		return time.Time{}, false, false
	}

	candidate := time.Date(now.Year(), time.Month(month), day, hour, minute, 0, 0, time.UTC)
	return inferYear(candidate, now), true, true
}
