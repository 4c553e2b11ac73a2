// Package utils collects small string/formatting/ID helpers shared across
// the toolkit, carried over from the teacher's own pkg/utils and generalized
// away from docker/TUI specifics.
package utils

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"html/template"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/acarl005/stripansi"
	"github.com/go-errors/errors"
)

// SplitLines takes a multiline string and splits it on newlines. Currently
// we are also stripping \r's which may have adverse effects for windows
// users (but no issues have been raised yet).
func SplitLines(multilineString string) []string {
	multilineString = strings.Replace(multilineString, "\r", "", -1)
	if multilineString == "" || multilineString == "\n" {
		return make([]string, 0)
	}
	lines := strings.Split(multilineString, "\n")
	if lines[len(lines)-1] == "" {
		return lines[:len(lines)-1]
	}
	return lines
}

// WithPadding pads a string as much as you want.
func WithPadding(str string, padding int) string {
	uncoloredStr := Decolorise(str)
	if padding < len(uncoloredStr) {
		return str
	}
	return str + strings.Repeat(" ", padding-len(uncoloredStr))
}

// NormalizeLinefeeds removes all Windows and Mac style line feeds.
func NormalizeLinefeeds(str string) string {
	str = strings.Replace(str, "\r\n", "\n", -1)
	str = strings.Replace(str, "\r", "", -1)
	return str
}

// ResolvePlaceholderString populates a template with values.
func ResolvePlaceholderString(str string, arguments map[string]string) string {
	for key, value := range arguments {
		str = strings.Replace(str, "{{"+key+"}}", value, -1)
	}
	return str
}

// Max returns the maximum of two integers.
func Max(x, y int) int {
	if x > y {
		return x
	}
	return y
}

// RenderTable takes an array of string arrays and returns a table containing
// the values, used by the ps/df module adapters to render remote command
// output that's already been split into rows.
func RenderTable(rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	if !displayArraysAligned(rows) {
		return "", errors.New("Each item must return the same number of strings to display")
	}

	columnPadWidths := getPadWidths(rows)
	paddedDisplayRows := getPaddedDisplayStrings(rows, columnPadWidths)

	return strings.Join(paddedDisplayRows, "\n"), nil
}

// Decolorise strips ANSI color/style escape sequences from a string.
func Decolorise(str string) string {
	return stripansi.Strip(str)
}

func getPadWidths(rows [][]string) []int {
	if len(rows[0]) <= 1 {
		return []int{}
	}
	columnPadWidths := make([]int, len(rows[0])-1)
	for i := range columnPadWidths {
		for _, cells := range rows {
			uncoloredCell := Decolorise(cells[i])

			if len(uncoloredCell) > columnPadWidths[i] {
				columnPadWidths[i] = len(uncoloredCell)
			}
		}
	}
	return columnPadWidths
}

func getPaddedDisplayStrings(rows [][]string, columnPadWidths []int) []string {
	paddedDisplayRows := make([]string, len(rows))
	for i, cells := range rows {
		for j, columnPadWidth := range columnPadWidths {
			paddedDisplayRows[i] += WithPadding(cells[j], columnPadWidth) + " "
		}
		paddedDisplayRows[i] += cells[len(columnPadWidths)]
	}
	return paddedDisplayRows
}

// displayArraysAligned returns true if every string array returned from our
// list of displayables has the same length.
func displayArraysAligned(stringArrays [][]string) bool {
	for _, strings := range stringArrays {
		if len(strings) != len(stringArrays[0]) {
			return false
		}
	}
	return true
}

func ApplyTemplate(str string, object interface{}) string {
	var buf bytes.Buffer
	_ = template.Must(template.New("").Parse(str)).Execute(&buf, object)
	return buf.String()
}

// FormatMapItem is for displaying items in a map.
func FormatMapItem(padding int, k string, v interface{}) string {
	return fmt.Sprintf("%s%s %v\n", strings.Repeat(" ", padding), k+":", fmt.Sprintf("%v", v))
}

// FormatMap is for displaying a map.
func FormatMap(padding int, m map[string]string) string {
	if len(m) == 0 {
		return "none\n"
	}

	output := "\n"

	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		output += FormatMapItem(padding, key, m[key])
	}

	return output
}

type multiErr []error

func (m multiErr) Error() string {
	var b bytes.Buffer
	b.WriteString("encountered multiple errors:")
	for _, err := range m {
		b.WriteString("\n\t... " + err.Error())
	}
	return b.String()
}

func CloseMany(closers []io.Closer) error {
	errs := make([]error, 0, len(closers))
	for _, c := range closers {
		err := c.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return multiErr(errs)
	}
	return nil
}

func SafeTruncate(str string, limit int) string {
	if len(str) > limit {
		return str[0:limit]
	}
	return str
}

// csiPattern matches a CSI escape sequence (ESC[ or the U+009B introducer)
// per spec §6: (ESC[|0x9B) [0-?]* [ -/]* [@-~]. StripControl first rewrites
// a raw single 0x9B byte to ESC[ so this pattern catches that form too.
var csiPattern = regexp.MustCompile("(\x1b\\[|\\x{9b})[0-?]*[ -/]*[@-~]")

// controlBytes matches the remaining control bytes to strip per spec §6:
// 0x00 and 0x0E-0x1F.
var controlBytes = regexp.MustCompile("[\x00\x0e-\x1f]")

// StripControl removes CSI escape sequences and stray control bytes from
// remote shell output, ahead of terminator detection and before returning a
// command's result to the caller. stripansi.Strip already handles the
// common SGR color codes; this covers the remainder the spec calls out
// explicitly.
func StripControl(s string) string {
	if strings.Contains(s, "\x9b") {
		var b strings.Builder
		for i := 0; i < len(s); {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 && s[i] == 0x9b {
				b.WriteString("\x1b[")
			} else {
				b.WriteString(s[i : i+size])
			}
			i += size
		}
		s = b.String()
	}
	s = stripansi.Strip(s)
	s = csiPattern.ReplaceAllString(s, "")
	s = controlBytes.ReplaceAllString(s, "")
	return s
}

// NewID returns a fresh random hex identifier, used for container keys.
// Environment IDs come from github.com/google/uuid instead.
func NewID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// SanitizeKey derives a stable container key from a command string. Rather
// than stripping a fixed set of shell metacharacters (which the spec's open
// question flags as collision-prone), the full command is hashed (64-bit
// FNV-1a) so two distinct commands are unlikely to collide on their key.
func SanitizeKey(command string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(command))
	return fmt.Sprintf("%016x", h.Sum64())
}
