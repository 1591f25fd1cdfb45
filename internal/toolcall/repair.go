package toolcall

// RepairEscapes fixes the most common truncation artifact in model-emitted
// JSON: a string terminator that arrives over-escaped, e.g.
//
//	{"arguments": "{\"city\": \"Tokyo\"}
//
// where the closing quote of a string is written as \" directly before a
// structural character. The scan tracks string-literal state; when an
// escaped quote is immediately followed (ignoring whitespace) by one of
// , } ] the backslash is treated as spurious and dropped, turning the
// escaped quote back into a terminator.
func RepairEscapes(text string) string {
	out := make([]byte, 0, len(text))
	inString := false
	i := 0
	for i < len(text) {
		c := text[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			out = append(out, c)
			i++
			continue
		}
		switch c {
		case '\\':
			if i+1 < len(text) && text[i+1] == '"' && structuralFollows(text, i+2) {
				// Drop the backslash; the quote below closes the string.
				out = append(out, '"')
				inString = false
				i += 2
				continue
			}
			if i+1 < len(text) {
				out = append(out, c, text[i+1])
				i += 2
				continue
			}
			out = append(out, c)
			i++
		case '"':
			inString = false
			out = append(out, c)
			i++
		default:
			out = append(out, c)
			i++
		}
	}
	return string(out)
}

// structuralFollows reports whether the next non-whitespace byte at or after
// pos is a JSON structural character that may legally follow a string value.
func structuralFollows(text string, pos int) bool {
	for pos < len(text) {
		switch text[pos] {
		case ' ', '\t', '\n', '\r':
			pos++
		case ',', '}', ']':
			return true
		default:
			return false
		}
	}
	// End of input counts: the terminator was cut off with the payload.
	return true
}
