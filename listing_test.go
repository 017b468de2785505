package ftp

import (
	"testing"
	"time"
)

func TestParseListing_DropsTotalLine(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	lines := []string{
		"total 12",
		"-rw-r--r-- 1 owner group 100 Jan 01 2024 file.txt",
	}
	entries := ParseListing(lines, ModeLIST, now)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d: %+v", len(entries), entries)
	}
	if entries[0].Name != "file.txt" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestParseListing_UnrecognizedLineIsRaw(t *testing.T) {
	t.Parallel()
	now := time.Now()
	entries := ParseListing([]string{"not a listing line at all"}, ModeLIST, now)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Type != EntryUnknown || e.Raw != "not a listing line at all" || e.Name != e.Raw {
		t.Fatalf("expected raw passthrough entry, got %+v", e)
	}
}

func TestUnixParser_RegularFile(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	e, ok := unixParser.Parse("-rw-r--r-- 1 alice staff 1234 Jan 01 2024 report.csv", now)
	if !ok {
		t.Fatal("expected a parse")
	}
	if e.Type != EntryFile || e.Name != "report.csv" || e.Size != 1234 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Owner != "alice" || e.Group != "staff" {
		t.Fatalf("unexpected owner/group: %+v", e)
	}
	if !e.Perm.User.Read || !e.Perm.User.Write || e.Perm.User.Execute {
		t.Fatalf("unexpected user perm: %+v", e.Perm.User)
	}
	if !e.ModTime.Equal(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected mtime: %v", e.ModTime)
	}
}

func TestUnixParser_Directory(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	e, ok := unixParser.Parse("drwxr-xr-x 2 bob users 4096 May 20 12:30 pub", now)
	if !ok {
		t.Fatal("expected a parse")
	}
	if e.Type != EntryDir || e.Name != "pub" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestUnixParser_Symlink(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	e, ok := unixParser.Parse("lrwxrwxrwx 1 root root 11 Jan 01 2024 latest -> v1.2.3", now)
	if !ok {
		t.Fatal("expected a parse")
	}
	if e.Type != EntrySymlink || e.Name != "latest" || e.Target != "v1.2.3" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestUnixParser_StickyBit(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	e, ok := unixParser.Parse("drwxrwxrwt 5 root root 4096 Jan 01 2024 tmp", now)
	if !ok {
		t.Fatal("expected a parse")
	}
	if !e.Perm.Sticky || !e.Perm.Other.Execute {
		t.Fatalf("expected sticky+exec, got %+v", e.Perm.Other)
	}

	e2, ok := unixParser.Parse("drwxrwxrwT 5 root root 4096 Jan 01 2024 tmp2", now)
	if !ok {
		t.Fatal("expected a parse")
	}
	if !e2.Perm.Sticky || e2.Perm.Other.Execute {
		t.Fatalf("expected sticky+noexec, got %+v", e2.Perm.Other)
	}
}

func TestUnixParser_ACLFlag(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	e, ok := unixParser.Parse("-rw-r--r--+ 1 alice staff 10 Jan 01 2024 f", now)
	if !ok {
		t.Fatal("expected a parse")
	}
	if !e.ACL {
		t.Fatal("expected ACL flag set")
	}
}

func TestUnixParser_YearInference(t *testing.T) {
	t.Parallel()

	// "now" is December of year Y: a same-year guess for "Jan 01" would
	// land far in the past (> 186 days), so the heuristic should nudge
	// it forward into Y+1.
	now := time.Date(2024, time.December, 15, 0, 0, 0, 0, time.UTC)
	e, ok := unixParser.Parse("-rw-r--r-- 1 a g 1 Jan 01 00:00 f", now)
	if !ok {
		t.Fatal("expected a parse")
	}
	if e.ModTime.Year() != 2025 {
		t.Fatalf("expected year 2025, got %d (%v)", e.ModTime.Year(), e.ModTime)
	}

	// "now" is June: a same-year guess for "May 20" is recent, no
	// adjustment expected.
	now2 := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	e2, ok := unixParser.Parse("-rw-r--r-- 1 a g 1 May 20 12:00 f", now2)
	if !ok {
		t.Fatal("expected a parse")
	}
	if e2.ModTime.Year() != 2024 {
		t.Fatalf("expected year 2024, got %d", e2.ModTime.Year())
	}

	// A same-year guess that lands slightly in the future (within the
	// same calendar run, e.g. clock skew of a few hours) beyond 28h
	// should be pushed back a year.
	now3 := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	e3, ok := unixParser.Parse("-rw-r--r-- 1 a g 1 Jun 05 00:00 f", now3)
	if !ok {
		t.Fatal("expected a parse")
	}
	if e3.ModTime.Year() != 2023 {
		t.Fatalf("expected year 2023, got %d", e3.ModTime.Year())
	}
}

func TestDOSParser_File(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e, ok := dosParser.Parse("12-14-23  12:22PM           1037794 large-document.pdf", now)
	if !ok {
		t.Fatal("expected a parse")
	}
	if e.Type != EntryFile || e.Size != 1037794 || e.Name != "large-document.pdf" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	want := time.Date(2023, time.December, 14, 12, 22, 0, 0, time.UTC)
	if !e.ModTime.Equal(want) {
		t.Fatalf("expected %v, got %v", want, e.ModTime)
	}
}

func TestDOSParser_Directory(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e, ok := dosParser.Parse("09-24-24  10:30AM       <DIR>          logger", now)
	if !ok {
		t.Fatal("expected a parse")
	}
	if e.Type != EntryDir || e.Name != "logger" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestDOSParser_TwentyFourHourConversion(t *testing.T) {
	t.Parallel()
	now := time.Now()

	pm, ok := dosParser.Parse("01-01-24  03:00PM       100 f", now)
	if !ok || pm.ModTime.Hour() != 15 {
		t.Fatalf("expected hour 15, got %+v", pm)
	}

	noonAM, ok := dosParser.Parse("01-01-24  12:00AM       100 f", now)
	if !ok || noonAM.ModTime.Hour() != 0 {
		t.Fatalf("expected hour 0, got %+v", noonAM)
	}

	noonPM, ok := dosParser.Parse("01-01-24  12:00PM       100 f", now)
	if !ok || noonPM.ModTime.Hour() != 12 {
		t.Fatalf("expected hour 12, got %+v", noonPM)
	}
}

func TestDOSParser_YearCentury(t *testing.T) {
	t.Parallel()
	now := time.Now()
	old, ok := dosParser.Parse("01-01-95  01:00AM       1 f", now)
	if !ok || old.ModTime.Year() != 1995 {
		t.Fatalf("expected 1995, got %+v", old)
	}
	recent, ok := dosParser.Parse("01-01-24  01:00AM       1 f", now)
	if !ok || recent.ModTime.Year() != 2024 {
		t.Fatalf("expected 2024, got %+v", recent)
	}
}

func TestMLSxParser_BasicFile(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e, ok := mlsxParser.Parse("type=file;size=3;modify=20220101120000; foo.txt", now)
	if !ok {
		t.Fatal("expected a parse")
	}
	if e.Type != EntryFile || e.Size != 3 || e.Name != "foo.txt" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	want := time.Date(2022, time.January, 1, 12, 0, 0, 0, time.UTC)
	if !e.ModTime.Equal(want) {
		t.Fatalf("expected %v, got %v", want, e.ModTime)
	}
}

func TestMLSxParser_SizeAbsentIsNegativeOne(t *testing.T) {
	t.Parallel()
	e, ok := mlsxParser.Parse("type=cdir;modify=20220101120000; .", time.Now())
	if !ok {
		t.Fatal("expected a parse")
	}
	if e.Size != -1 {
		t.Fatalf("expected size -1, got %d", e.Size)
	}
	if e.Type != EntryDir {
		t.Fatalf("expected cdir to map to dir, got %v", e.Type)
	}
}

func TestMLSxParser_UnixModePreferredOverPerm(t *testing.T) {
	t.Parallel()
	e, ok := mlsxParser.Parse("type=file;size=1;UNIX.mode=0755;perm=r; f", time.Now())
	if !ok {
		t.Fatal("expected a parse")
	}
	if e.Perm == nil {
		t.Fatal("expected permissions")
	}
	if !e.Perm.User.Read || !e.Perm.User.Write || !e.Perm.User.Execute {
		t.Fatalf("unexpected user perm: %+v", e.Perm.User)
	}
	if e.Perm.Other.Write || !e.Perm.Other.Read || !e.Perm.Other.Execute {
		t.Fatalf("unexpected other perm: %+v", e.Perm.Other)
	}
}

func TestMLSxParser_SynthesizedFromPermLetters(t *testing.T) {
	t.Parallel()
	e, ok := mlsxParser.Parse("type=file;size=1;perm=rw; f", time.Now())
	if !ok {
		t.Fatal("expected a parse")
	}
	if !e.Perm.User.Read || !e.Perm.User.Write || e.Perm.User.Execute {
		t.Fatalf("unexpected user perm: %+v", e.Perm.User)
	}
}

func TestMLSxParser_FractionalSeconds(t *testing.T) {
	t.Parallel()
	e, ok := mlsxParser.Parse("type=file;size=1;modify=20220101120000.500; f", time.Now())
	if !ok {
		t.Fatal("expected a parse")
	}
	want := time.Date(2022, time.January, 1, 12, 0, 0, 0, time.UTC)
	if !e.ModTime.Equal(want) {
		t.Fatalf("expected %v, got %v", want, e.ModTime)
	}
}

func TestParseListing_MLSDOnlyUsesMLSx(t *testing.T) {
	t.Parallel()
	now := time.Now()
	// A Unix-style line fed through MLSD mode should not be parsed as
	// Unix; it has no "=" facts so MLSx fails too, falling back to raw.
	entries := ParseListing([]string{"-rw-r--r-- 1 a g 1 Jan 01 2024 f"}, ModeMLSD, now)
	if len(entries) != 1 || entries[0].Type != EntryUnknown {
		t.Fatalf("expected raw fallback under MLSD mode, got %+v", entries)
	}
}
