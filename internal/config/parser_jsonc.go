package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Control        *jsoncControl        `json:"control"`
	RemoteShutdown *jsoncRemoteShutdown `json:"remote_shutdown"`
	Protocol       *jsoncProtocol       `json:"protocol"`
}

type jsoncControl struct {
	Host *string `json:"host"`
	Port *int    `json:"port"`
}

type jsoncRemoteShutdown struct {
	Enable         *bool   `json:"enable"`
	AutoComply     *bool   `json:"auto_comply"`
	Password       *string `json:"password"`
	WaitTimeoutMS  *int    `json:"wait_timeout_ms"`
	PollIntervalMS *int    `json:"poll_interval_ms"`
	IOTimeoutMS    *int    `json:"io_timeout_ms"`
}

type jsoncProtocol struct {
	Framing *string `json:"framing"`
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	payload.applyTo(&cfg)
	return cfg, nil, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) {
	if payload.Control != nil {
		if payload.Control.Host != nil {
			cfg.Control.Host = strings.TrimSpace(*payload.Control.Host)
		}
		if payload.Control.Port != nil {
			cfg.Control.Port = *payload.Control.Port
		}
	}

	if payload.RemoteShutdown != nil {
		rs := payload.RemoteShutdown
		if rs.Enable != nil {
			cfg.RemoteShutdown.Enable = *rs.Enable
		}
		if rs.AutoComply != nil {
			cfg.RemoteShutdown.AutoComply = *rs.AutoComply
		}
		if rs.Password != nil {
			cfg.RemoteShutdown.Password = *rs.Password
		}
		if rs.WaitTimeoutMS != nil {
			cfg.RemoteShutdown.WaitTimeoutMS = *rs.WaitTimeoutMS
		}
		if rs.PollIntervalMS != nil {
			cfg.RemoteShutdown.PollIntervalMS = *rs.PollIntervalMS
		}
		if rs.IOTimeoutMS != nil {
			cfg.RemoteShutdown.IOTimeoutMS = *rs.IOTimeoutMS
		}
	}

	if payload.Protocol != nil && payload.Protocol.Framing != nil {
		cfg.Protocol.Framing = strings.ToLower(strings.TrimSpace(*payload.Protocol.Framing))
	}
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

// stripJSONCComments blanks out comments while keeping byte offsets stable
// so decode errors still point at the original line and column.
func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		switch {
		case lineComment:
			if ch == '\n' || ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
		case blockComment:
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
		case inString:
			out.WriteByte(ch)
			if escape {
				escape = false
			} else if ch == '\\' {
				escape = true
			} else if ch == '"' {
				inString = false
			}
		case ch == '"':
			inString = true
			out.WriteByte(ch)
		case ch == '/' && i+1 < len(content) && content[i+1] == '/':
			lineComment = true
			out.WriteString("  ")
			i++
		case ch == '/' && i+1 < len(content) && content[i+1] == '*':
			blockComment = true
			out.WriteString("  ")
			i++
		default:
			out.WriteByte(ch)
		}
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
			} else if ch == '\\' {
				escape = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				out.WriteByte(' ')
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
