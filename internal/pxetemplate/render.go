// Package pxetemplate implements the pure boot-menu template renderer
// (spec.md §4.2, component C2). It performs no I/O and takes no locks:
// template text plus a property map and an append map go in, rendered
// text comes out.
package pxetemplate

import (
	"fmt"
	"strings"

	"github.com/GehirnInc/crypt/sha512_crypt"

	"github.com/opsiorg/opsipxeconfd/internal/xerr"
)

// Flags snapshot the licensing state the template was rendered against.
type Flags struct {
	UEFIEnabled       bool
	SecureBootEnabled bool
}

type lineKind int

const (
	kindVerbatim lineKind = iota
	kindAppend
	kindLinux
	kindKernel
)

// Render applies spec.md §4.2 to a template's lines, returning the
// finished boot-menu text. appendParams is merged into every
// append/linux/kernel directive line found in lines.
func Render(lines []string, props map[string]string, appendParams Params, flags Flags) (string, error) {
	var sb strings.Builder

	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t\r")
		for k, v := range props {
			line = strings.ReplaceAll(line, "%"+k+"%", v)
		}

		kind, tail, requiresUEFI := classify(line)
		switch kind {
		case kindVerbatim:
			sb.WriteString(line)
			sb.WriteByte('\n')

		case kindAppend, kindLinux, kindKernel:
			if requiresUEFI && !flags.UEFIEnabled {
				return "", xerr.LicenseMissing("%s directive requires a UEFI license", directiveName(kind))
			}
			existing := parseTail(tail)
			merged, err := applySpecialKeys(merge(existing, appendParams))
			if err != nil {
				return "", err
			}
			rendered := joinParams(merged)

			switch kind {
			case kindAppend:
				if requiresUEFI {
					fmt.Fprintf(&sb, "append=\"%s\"\n", rendered)
				} else {
					fmt.Fprintf(&sb, "  append %s\n", rendered)
				}
			case kindLinux:
				fmt.Fprintf(&sb, "linux %s\n", rendered)
			case kindKernel:
				fmt.Fprintf(&sb, "kernel %s\n", rendered)
			}
		}
	}

	return sb.String(), nil
}

// classify inspects a line's first non-whitespace token and returns its
// directive kind, the raw tail following that token, and whether the
// line's own syntax requires a UEFI license to render — matching
// pxeconfigwriter.py's self.uefi detection: an `append="..."` line is
// the elilo/UEFI form, a bare `append ...` line is the legacy BIOS
// form, and any `linux ...` line is GRUB/UEFI configuration and always
// requires the license. A `kernel ../...` line is neither form and is
// never license-gated.
func classify(line string) (kind lineKind, tail string, requiresUEFI bool) {
	trimmed := strings.TrimLeft(line, " \t")
	lower := strings.ToLower(trimmed)

	switch {
	case strings.HasPrefix(lower, "append="):
		tail = strings.TrimSpace(trimmed[len("append="):])
		return kindAppend, tail, true
	case matchesWord(lower, "append"):
		tail = strings.TrimSpace(trimmed[len("append"):])
		return kindAppend, tail, false
	case matchesWord(lower, "linux"):
		return kindLinux, strings.TrimSpace(trimmed[len("linux"):]), true
	case strings.HasPrefix(lower, "kernel ../"):
		return kindKernel, strings.TrimSpace(trimmed[len("kernel"):]), false
	default:
		return kindVerbatim, line, false
	}
}

func directiveName(kind lineKind) string {
	switch kind {
	case kindAppend:
		return "append"
	case kindLinux:
		return "linux"
	case kindKernel:
		return "kernel"
	default:
		return "template"
	}
}

// matchesWord reports whether s begins with word as a whole token (i.e.
// followed by whitespace, '=', or end of string — not by more letters).
func matchesWord(s, word string) bool {
	if !strings.HasPrefix(s, word) {
		return false
	}
	if len(s) == len(word) {
		return true
	}
	switch s[len(word)] {
	case ' ', '\t', '=':
		return true
	default:
		return false
	}
}

// parseTail splits a directive's tail into ordered Params. A surrounding
// pair of double quotes (the uefi append="..." form) is stripped first.
func parseTail(tail string) Params {
	tail = strings.TrimSpace(tail)
	tail = strings.Trim(tail, `"`)
	fields := strings.Fields(tail)
	out := make(Params, 0, len(fields))
	for _, f := range fields {
		if i := strings.IndexByte(f, '='); i >= 0 {
			out = append(out, Param{Key: strings.ToLower(f[:i]), Value: f[i+1:]})
		} else {
			out = append(out, Param{Key: strings.ToLower(f)})
		}
	}
	return out
}

func joinParams(p Params) string {
	parts := make([]string, 0, len(p))
	for _, kv := range p {
		if kv.Value == "" {
			parts = append(parts, kv.Key)
		} else {
			parts = append(parts, kv.Key+"="+kv.Value)
		}
	}
	return strings.Join(parts, " ")
}

// applySpecialKeys implements the bootimagerootpassword/pwh handling from
// spec.md §3 and §9: a clear password is hashed into a crypt-style
// SHA-512 hash and stored as pwh; any pwh value (computed here or already
// present) has its '$' characters backslash-escaped because the
// bootloader otherwise treats them as variable expansion.
func applySpecialKeys(p Params) (Params, error) {
	if pw, ok := p.Get("bootimagerootpassword"); ok {
		hash, err := hashPassword(pw)
		if err != nil {
			return nil, xerr.Fatal("hash bootimagerootpassword: %v", err)
		}
		p = p.Without("bootimagerootpassword")
		p = p.Set("pwh", escapeDollar(hash))
		return p, nil
	}
	if v, ok := p.Get("pwh"); ok {
		p = p.Set("pwh", escapeDollar(v))
	}
	return p, nil
}

func escapeDollar(s string) string {
	return strings.ReplaceAll(s, "$", `\$`)
}

func hashPassword(clear string) (string, error) {
	c := sha512_crypt.New()
	return c.Generate([]byte(clear), nil)
}
