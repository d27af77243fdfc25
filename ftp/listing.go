package ftp

import "fmt"

// ListingFormatter renders a single directory entry as one
// CRLF-terminated line for LIST.
type ListingFormatter interface {
	FormatEntry(info FileInfo) string
}

// unixListingFormatter renders `ls -l`-style lines, the format
// spec.md §4.9/§6 specifies and §8 tests against.
type unixListingFormatter struct{}

// UnixListingFormatter is the default, spec-tested listing style.
var UnixListingFormatter ListingFormatter = unixListingFormatter{}

var months = [...]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

func (unixListingFormatter) FormatEntry(info FileInfo) string {
	typeChar := byte('-')
	if info.IsDir {
		typeChar = 'd'
	}
	writeChar := byte('w')
	if info.ReadOnly {
		writeChar = '-'
	}
	perm := fmt.Sprintf("r%cxr%cxr%cx", writeChar, writeChar, writeChar)
	month := "Jan"
	if m := int(info.ModTime.Month()); m >= 1 && m <= 12 {
		month = months[m-1]
	}
	return fmt.Sprintf("%c%s 1 anonymous  anonymous  %10d %3s %02d %02d:%02d %s\r\n",
		typeChar, perm, info.Size, month, info.ModTime.Day(), info.ModTime.Hour(), info.ModTime.Minute(), info.Name)
}

// fatListingFormatter renders the original firmware's alternate
// `_dtp_listitem_fat` layout (DIR/attribute flags, packed date/time,
// size, name), supplementing a feature the spec.md distillation
// dropped in favor of the UNIX format alone. Not used by default.
type fatListingFormatter struct{}

// FATListingFormatter is the supplemental legacy listing style.
var FATListingFormatter ListingFormatter = fatListingFormatter{}

func (fatListingFormatter) FormatEntry(info FileInfo) string {
	kind := "   "
	if info.IsDir {
		kind = "DIR"
	}
	attr := byte('A')
	if info.ReadOnly {
		attr = 'R'
	}
	month := "Jan"
	if m := int(info.ModTime.Month()); m >= 1 && m <= 12 {
		month = months[m-1]
	}
	return fmt.Sprintf("%s %c %3s %02d %02d:%02d %10d %s\r\n",
		kind, attr, month, info.ModTime.Day(), info.ModTime.Hour(), info.ModTime.Minute(), info.Size, info.Name)
}
