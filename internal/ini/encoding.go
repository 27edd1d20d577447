package ini

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText normalizes definition file bytes to UTF-8. Vendor files ship
// either as UTF-8 (sometimes with a BOM) or as Windows-1252; invalid
// UTF-8 input is re-decoded as Windows-1252, which maps every byte and so
// never rejects a file for its encoding.
func decodeText(data []byte) []byte {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return out
}
