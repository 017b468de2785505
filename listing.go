package ftp

import (
	"strconv"
	"strings"
	"time"
)

// EntryType classifies a listing entry.
type EntryType int

const (
	EntryUnknown EntryType = iota
	EntryFile
	EntryDir
	EntrySymlink
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDir:
		return "dir"
	case EntrySymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Perm is one rwx triple.
type Perm struct {
	Read, Write, Execute bool
}

// Permissions is the Unix-style mode of a listing entry.
type Permissions struct {
	User, Group, Other Perm
	Sticky             bool
}

// Entry is a normalized directory listing record. Unrecognized lines
// are represented with Type == EntryUnknown and Raw/Name set to the
// verbatim source line — the Go rendition of the spec's "return
// unrecognized lines as raw strings" sentinel.
type Entry struct {
	Type    EntryType
	Name    string
	Size    int64
	ModTime time.Time
	HasTime bool
	Perm    *Permissions
	Owner   string
	Group   string
	ACL     bool
	Target  string // symlink target, empty otherwise
	Raw     string
}

// ListingParser parses one line of a directory listing.
type ListingParser interface {
	Parse(line string, now time.Time) (*Entry, bool)
}

// ListingMode selects which parsers are eligible for a line, matching
// the command that produced the listing.
type ListingMode int

const (
	// ModeLIST tries the Unix parser then the MS-DOS parser.
	ModeLIST ListingMode = iota
	// ModeMLSD tries only the MLSx parser.
	ModeMLSD
)

var (
	unixParser ListingParser = unixListingParser{}
	dosParser  ListingParser = dosListingParser{}
	mlsxParser ListingParser = mlsxListingParser{}
)

// ParseListing parses every non-"total " line using the parser chain
// appropriate for mode, falling back to a raw Entry for lines none of
// the chain's parsers recognize.
func ParseListing(lines []string, mode ListingMode, now time.Time) []*Entry {
	var parsers []ListingParser
	switch mode {
	case ModeMLSD:
		parsers = []ListingParser{mlsxParser}
	default:
		parsers = []ListingParser{unixParser, dosParser}
	}

	var entries []*Entry
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "total ") {
			continue
		}

		var entry *Entry
		for _, p := range parsers {
			if e, ok := p.Parse(trimmed, now); ok {
				entry = e
				break
			}
		}
		if entry == nil {
			entry = &Entry{Type: EntryUnknown, Name: trimmed, Raw: trimmed}
		}
		entries = append(entries, entry)
	}
	return entries
}

// parseSize parses a non-negative listing size field.
func parseSize(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

var monthIndex = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

// inferYear applies the spec's year-inference heuristic to a listing
// date that arrived without an explicit year (Unix "Mon DD HH:MM").
// candidate is first built using now's year; inferYear nudges it by one
// year in either direction so it lands within a plausible window of
// "now": if it would be more than 28 hours in the future, it's assumed
// to be from last year; if it would be more than 186 days in the past,
// it's assumed to be from next year (the server omits the year only for
// recent files, so a naive same-year guess that looks stale must have
// wrapped across a year boundary).
func inferYear(candidate, now time.Time) time.Time {
	diff := now.Sub(candidate)
	switch {
	case diff < -28*time.Hour:
		return candidate.AddDate(-1, 0, 0)
	case diff > 186*24*time.Hour:
		return candidate.AddDate(1, 0, 0)
	default:
		return candidate
	}
}
