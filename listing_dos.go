package ftp

import (
	"regexp"
	"strconv"
	"time"
)

// dosLineRegexp matches "MM-DD-YY HH:MM[AM|PM]  <size>|<DIR>  name".
var dosLineRegexp = regexp.MustCompile(
	`^(\d{2})-(\d{2})-(\d{2})\s+(\d{2}):(\d{2})(AM|PM)\s+(<DIR>|\d+)\s+(.+)$`)

type dosListingParser struct{}

func (dosListingParser) Parse(line string, now time.Time) (*Entry, bool) {
	m := dosLineRegexp.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}

	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	yy, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	ampm := m[6]
	sizeField := m[7]
	name := m[8]

	year := yy + 1900
	if yy < 70 {
		year = yy + 2000
	}

	switch ampm {
	case "PM":
		if hour < 12 {
			hour += 12
		}
	case "AM":
		if hour == 12 {
			hour = 0
		}
	}

	entry := &Entry{
		Name:    name,
		Raw:     line,
		ModTime: time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC),
		HasTime: true,
	}

	if sizeField == "<DIR>" {
		entry.Type = EntryDir
		entry.Size = 0
	} else {
		size, err := parseSize(sizeField)
		if err != nil {
			return nil, false
		}
		entry.Type = EntryFile
		entry.Size = size
	}

	return entry, true
}
