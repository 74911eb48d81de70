package flatfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrBadCardLine = errors.New("unparseable card line")

type CardLine struct {
	Number     string
	ExpMonth   string
	ExpYear    string
	CVV        string
	HolderName string
	ZipCode    string
	Country    string
	State      string
	City       string
	Address    string
}

// ParseCardLine parses one card record. Supported layouts, fields
// separated by whitespace (or "----" as a fallback):
//
//	number month year cvv [holder...] [zip] [country [state [city [address...]]]]
//	number MM/YY cvv [tail...]
//
// Holder names may span several tokens; the first all-digit tail token is
// taken as the zip code. Cards with no address tail default to a US
// billing address.
func ParseCardLine(line string) (*CardLine, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrBadCardLine
	}

	parts := strings.Fields(line)
	if len(parts) < 3 {
		parts = strings.Split(line, "----")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrBadCardLine, truncate(line, 30))
	}

	out := &CardLine{
		Number: strings.NewReplacer("-", "", " ", "").Replace(parts[0]),
	}

	var tail []string
	if mmyy := strings.SplitN(parts[1], "/", 2); len(mmyy) == 2 && mmyy[0] != "" && mmyy[1] != "" {
		out.ExpMonth, out.ExpYear, out.CVV = mmyy[0], mmyy[1], parts[2]
		tail = parts[3:]
	} else {
		if len(parts) < 4 {
			return nil, fmt.Errorf("%w: %q", ErrBadCardLine, truncate(line, 30))
		}
		out.ExpMonth, out.ExpYear, out.CVV = parts[1], parts[2], parts[3]
		tail = parts[4:]
	}

	if len(tail) == 0 {
		out.ZipCode = "10001"
		out.City = "New York"
		out.State = "NY"
		out.Country = "US"
		return out, nil
	}

	// Leading non-numeric tokens are the holder name; the first all-digit
	// token is the zip, then country/state/city/address positionally.
	zipIdx := -1
	for i, tok := range tail {
		if isDigits(tok) {
			zipIdx = i
			break
		}
	}
	if zipIdx < 0 {
		out.HolderName = strings.Join(tail, " ")
		return out, nil
	}

	if zipIdx > 0 {
		out.HolderName = strings.Join(tail[:zipIdx], " ")
	}
	out.ZipCode = tail[zipIdx]
	rest := tail[zipIdx+1:]
	if len(rest) > 0 {
		out.Country = rest[0]
	}
	if len(rest) > 1 {
		out.State = rest[1]
	}
	if len(rest) > 2 {
		out.City = rest[2]
	}
	if len(rest) > 3 {
		out.Address = strings.Join(rest[3:], " ")
	}
	return out, nil
}

// ParseCards reads a whole card pool file, skipping blanks and comments.
func ParseCards(r io.Reader) ([]CardLine, []error) {
	var (
		cards []CardLine
		errs  []error
	)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		c, err := ParseCardLine(raw)
		if err != nil {
			errs = append(errs, &LineError{Line: lineNo, Err: err})
			continue
		}
		cards = append(cards, *c)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return cards, errs
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
