package macro

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
)

// Sigil starts a macro invocation in user text
const Sigil = "@"

// IsInvocation reports whether text should be routed to the macro path
func IsInvocation(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), Sigil)
}

// Reference is the addressing part of an invocation
type Reference struct {
	NameSpace string
	Name      string
	Version   string
}

// Parse resolves text of the form @[namespace.]name[@version][(args)] to a
// call. It logs a warning and returns nil when the text is malformed or no
// definition matches.
func (r *Registry) Parse(text string) *Call {
	ref, args, err := ParseInvocation(text)
	if err != nil {
		log.Warn().Str("input", text).Err(err).Msg("Malformed macro invocation")
		return nil
	}

	var def *Definition
	if ref.NameSpace == "" {
		def = r.ResolveByAlias(ref.Name)
		if def != nil && ref.Version != "" && !sameVersion(def.Version, ref.Version) {
			def = nil
		}
	} else {
		def = r.Lookup(ref.NameSpace, ref.Name, ref.Version)
	}

	if def == nil {
		log.Warn().
			Str("input", text).
			Str("namespace", ref.NameSpace).
			Str("name", ref.Name).
			Str("version", ref.Version).
			Msg("Unknown macro")
		return nil
	}

	return &Call{
		Definition: def,
		Args:       Args{Positional: args},
		Text:       strings.TrimSpace(text),
	}
}

// ParseInvocation splits an invocation into its reference and positional
// arguments without consulting a registry.
func ParseInvocation(text string) (Reference, []string, error) {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, Sigil) {
		return Reference{}, nil, fmt.Errorf("missing %q prefix", Sigil)
	}
	s = s[len(Sigil):]

	refPart, argPart := s, ""
	if open := strings.IndexByte(s, '('); open >= 0 {
		if !strings.HasSuffix(s, ")") {
			return Reference{}, nil, errors.New("unclosed argument list")
		}
		refPart = s[:open]
		argPart = s[open+1 : len(s)-1]
	}

	ref, err := parseReference(strings.TrimSpace(refPart))
	if err != nil {
		return Reference{}, nil, err
	}

	args, err := splitArgs(argPart)
	if err != nil {
		return Reference{}, nil, err
	}

	return ref, args, nil
}

func parseReference(s string) (Reference, error) {
	if s == "" {
		return Reference{}, errors.New("empty macro name")
	}

	var ref Reference
	if at := strings.IndexByte(s, '@'); at >= 0 {
		ref.Version = s[at+1:]
		s = s[:at]
		if ref.Version == "" {
			return Reference{}, errors.New("empty version")
		}
	}

	if dot := strings.LastIndexByte(s, '.'); dot >= 0 {
		ref.NameSpace = s[:dot]
		ref.Name = s[dot+1:]
		if ref.NameSpace == "" {
			return Reference{}, errors.New("empty namespace")
		}
	} else {
		ref.Name = s
	}

	if ref.Name == "" {
		return Reference{}, errors.New("empty macro name")
	}
	for _, c := range ref.NameSpace + ref.Name {
		if !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-' || c == '.') {
			return Reference{}, fmt.Errorf("invalid character %q in macro name", c)
		}
	}
	return ref, nil
}

// splitArgs splits a comma separated list. Double quotes group text that
// may contain commas; inside quotes a backslash escapes the next character.
// Whitespace outside quotes is trimmed at argument edges.
func splitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var (
		args    []string
		cur     strings.Builder
		ws      strings.Builder
		inQuote bool
		quoted  bool
	)

	flush := func() {
		args = append(args, cur.String())
		cur.Reset()
		ws.Reset()
		quoted = false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == '"':
			if !inQuote && (cur.Len() > 0 || quoted) {
				cur.WriteString(ws.String())
			}
			ws.Reset()
			inQuote = !inQuote
			quoted = true
		case inQuote:
			cur.WriteByte(c)
		case c == ',':
			flush()
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			ws.WriteByte(c)
		default:
			if cur.Len() > 0 || quoted {
				cur.WriteString(ws.String())
			}
			ws.Reset()
			cur.WriteByte(c)
		}
	}

	if inQuote {
		return nil, errors.New("unterminated quote")
	}
	flush()
	return args, nil
}
