package proto

// Command templates come straight from the definition file. The
// recognized placeholders each render two bytes in the definition's byte
// order, except %v which splices the raw payload:
//
//	%2i  page index
//	%2o  byte offset within the page
//	%2c  byte count
//	%v   write payload
//
// Every other byte of the template is emitted verbatim, so single-letter
// legacy commands are just templates with no placeholders.
func BuildCommand(template string, bigEndian bool, page, offset, count uint16, payload []byte) []byte {
	out := make([]byte, 0, len(template)+len(payload)+6)
	for i := 0; i < len(template); i++ {
		if template[i] != '%' || i+1 >= len(template) {
			out = append(out, template[i])
			continue
		}
		switch {
		case i+2 < len(template) && template[i+1] == '2' && template[i+2] == 'i':
			out = appendU16(out, bigEndian, page)
			i += 2
		case i+2 < len(template) && template[i+1] == '2' && template[i+2] == 'o':
			out = appendU16(out, bigEndian, offset)
			i += 2
		case i+2 < len(template) && template[i+1] == '2' && template[i+2] == 'c':
			out = appendU16(out, bigEndian, count)
			i += 2
		case template[i+1] == 'v':
			out = append(out, payload...)
			i++
		default:
			out = append(out, template[i])
		}
	}
	return out
}

// matchCommand runs a template backwards: given bytes received on the
// wire, it recovers the placeholder values. The simulated ECU uses it to
// serve whatever command set a definition declares. ok is false when
// data does not fit the template exactly.
func matchCommand(template string, bigEndian bool, data []byte) (page, offset, count uint16, payload []byte, ok bool) {
	pos := 0
	for i := 0; i < len(template); i++ {
		if template[i] == '%' && i+2 < len(template) && template[i+1] == '2' {
			if pos+2 > len(data) {
				return 0, 0, 0, nil, false
			}
			v := u16At(data[pos:], bigEndian)
			switch template[i+2] {
			case 'i':
				page = v
			case 'o':
				offset = v
			case 'c':
				count = v
			default:
				return 0, 0, 0, nil, false
			}
			pos += 2
			i += 2
			continue
		}
		if template[i] == '%' && i+1 < len(template) && template[i+1] == 'v' {
			// Payload swallows the rest; nothing may follow it.
			if i+2 != len(template) {
				return 0, 0, 0, nil, false
			}
			payload = data[pos:]
			return page, offset, count, payload, true
		}
		if pos >= len(data) || data[pos] != template[i] {
			return 0, 0, 0, nil, false
		}
		pos++
	}
	if pos != len(data) {
		return 0, 0, 0, nil, false
	}
	return page, offset, count, nil, true
}

func appendU16(out []byte, big bool, v uint16) []byte {
	if big {
		return append(out, byte(v>>8), byte(v&0xFF))
	}
	return append(out, byte(v&0xFF), byte(v>>8))
}

func u16At(data []byte, big bool) uint16 {
	if big {
		return uint16(data[0])<<8 | uint16(data[1])
	}
	return uint16(data[1])<<8 | uint16(data[0])
}
