package gcode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotGCode is returned for lines that do not start with a G, M or T
	// word
	ErrNotGCode = errors.New("not a G-code line")
	// ErrChecksum is returned when the *nn checksum does not match the line
	ErrChecksum = errors.New("checksum mismatch")
)

// Parser handles G-code parsing
type Parser struct {
	// Line number expected next, -1 until the first numbered line
	nextLine int
}

// NewParser creates a new G-code parser
func NewParser() *Parser {
	return &Parser{nextLine: -1}
}

// ParseLine parses a single line of G-code. Blank lines yield a nil
// command, comment only lines a command with Type 0.
func (p *Parser) ParseLine(line string) (*Command, error) {
	line = strings.TrimRight(line, "\r\n \t")

	cmd := &Command{
		Parameters: make(map[byte]float64),
		Line:       -1,
	}

	code, comment := splitComment(line)
	cmd.Comment = comment

	code, err := verifyChecksum(code)
	if err != nil {
		return nil, err
	}

	i := skipSpace(code, 0)
	if i >= len(code) {
		if comment == "" {
			return nil, nil
		}
		return cmd, nil
	}

	// Line number
	if toUpper(code[i]) == 'N' {
		end := scanNumber(code, i+1)
		v, err := strconv.Atoi(code[i+1 : end])
		if err != nil {
			return nil, fmt.Errorf("bad line number %q", code[i:end])
		}
		cmd.Line = v
		p.nextLine = v + 1
		i = skipSpace(code, end)
	}

	if i >= len(code) {
		return cmd, nil
	}

	switch c := toUpper(code[i]); c {
	case 'G', 'M', 'T':
		cmd.Type = c
		end := scanNumber(code, i+1)
		if end == i+1 {
			return nil, fmt.Errorf("%w: missing number after %c", ErrNotGCode, c)
		}
		num, err := strconv.Atoi(code[i+1 : end])
		if err != nil {
			// G29.1 style subcodes are not supported
			return nil, fmt.Errorf("bad command number %q", code[i:end])
		}
		cmd.Number = num
		i = end
	default:
		return nil, ErrNotGCode
	}

	// Parameters
	for {
		i = skipSpace(code, i)
		if i >= len(code) {
			break
		}
		if !isLetter(code[i]) {
			i++
			continue
		}
		letter := toUpper(code[i])
		end := scanNumber(code, i+1)
		if end > i+1 {
			if v, err := strconv.ParseFloat(code[i+1:end], 64); err == nil {
				cmd.Parameters[letter] = v
			}
		} else {
			// Bare flag such as the X in G28 X
			cmd.Parameters[letter] = 0
		}
		i = end
	}

	return cmd, nil
}

// NextLine returns the line number expected after the last numbered line,
// or -1 when no numbered line was seen
func (p *Parser) NextLine() int {
	return p.nextLine
}

func splitComment(line string) (code, comment string) {
	if i := strings.IndexAny(line, ";("); i >= 0 {
		return line[:i], line[i:]
	}
	return line, ""
}

// verifyChecksum strips and checks a trailing *nn checksum. The checksum
// is the XOR of every byte before the asterisk.
func verifyChecksum(code string) (string, error) {
	star := strings.LastIndexByte(code, '*')
	if star < 0 {
		return code, nil
	}
	want, err := strconv.Atoi(strings.TrimSpace(code[star+1:]))
	if err != nil {
		return "", fmt.Errorf("%w: bad checksum %q", ErrChecksum, code[star+1:])
	}
	var sum byte
	for i := 0; i < star; i++ {
		sum ^= code[i]
	}
	if int(sum) != want {
		return "", fmt.Errorf("%w: expected %d, got %d", ErrChecksum, sum, want)
	}
	return code[:star], nil
}

// scanNumber returns the end of a signed decimal number starting at pos,
// or pos when there is none
func scanNumber(s string, pos int) int {
	i := pos
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		i++
	}
	digits := 0
	for i < len(s) && (isDigit(s[i]) || s[i] == '.') {
		i++
		digits++
	}
	if digits == 0 {
		return pos
	}
	return i
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return i
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// isLetter checks if a byte is a letter
func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// toUpper converts a byte to uppercase
func toUpper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}
