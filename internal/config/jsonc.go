package config

// StripJSONComments removes // line comments and /* */ block comments
// from JSONC content, leaving string contents untouched
func StripJSONComments(data []byte) []byte {
	out := make([]byte, 0, len(data))

	const (
		stateCode = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateCode
	for i := 0; i < len(data); i++ {
		c := data[i]

		switch state {
		case stateCode:
			switch {
			case c == '"':
				state = stateString
				out = append(out, c)
			case c == '/' && i+1 < len(data) && data[i+1] == '/':
				state = stateLineComment
				i++
			case c == '/' && i+1 < len(data) && data[i+1] == '*':
				state = stateBlockComment
				i++
			default:
				out = append(out, c)
			}

		case stateString:
			out = append(out, c)
			if c == '\\' && i+1 < len(data) {
				i++
				out = append(out, data[i])
			} else if c == '"' {
				state = stateCode
			}

		case stateLineComment:
			if c == '\n' {
				state = stateCode
				out = append(out, c)
			}

		case stateBlockComment:
			if c == '*' && i+1 < len(data) && data[i+1] == '/' {
				state = stateCode
				i++
			}
		}
	}

	return out
}
