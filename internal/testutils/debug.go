package testutils

import (
	"fmt"
	"io"
)

// DumpBinary writes buf as a hex/ASCII dump to w, 16 bytes per line,
// the same role the original firmware's _dump_binary played: a
// debug-only aid for inspecting ring/DTP buffer contents when an
// assertion on their bytes fails.
func DumpBinary(w io.Writer, buf []byte) {
	for off := 0; off < len(buf); off += 16 {
		end := off + 16
		if end > len(buf) {
			end = len(buf)
		}
		row := buf[off:end]

		fmt.Fprintf(w, "%04x  ", off)
		for i := 0; i < 16; i++ {
			switch {
			case i < len(row):
				fmt.Fprintf(w, "%02x ", row[i])
			default:
				fmt.Fprint(w, "   ")
			}
			if i == 7 {
				fmt.Fprint(w, " ")
			}
		}
		fmt.Fprint(w, " |")
		for _, b := range row {
			if b >= 0x20 && b < 0x7f {
				fmt.Fprintf(w, "%c", b)
			} else {
				fmt.Fprint(w, ".")
			}
		}
		fmt.Fprintln(w, "|")
	}
}
