package flatfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCardLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want CardLine
	}{
		{
			name: "full layout",
			line: "4111111111111111 12 2027 123 Jane Doe 94107 US CA SanFrancisco 1 Main St",
			want: CardLine{
				Number: "4111111111111111", ExpMonth: "12", ExpYear: "2027", CVV: "123",
				HolderName: "Jane Doe", ZipCode: "94107",
				Country: "US", State: "CA", City: "SanFrancisco", Address: "1 Main St",
			},
		},
		{
			name: "mmyy expiry",
			line: "4111-1111-1111-1111 12/27 123",
			want: CardLine{
				Number: "4111111111111111", ExpMonth: "12", ExpYear: "27", CVV: "123",
				ZipCode: "10001", City: "New York", State: "NY", Country: "US",
			},
		},
		{
			name: "default billing address",
			line: "4111111111111111 12 2027 123",
			want: CardLine{
				Number: "4111111111111111", ExpMonth: "12", ExpYear: "2027", CVV: "123",
				ZipCode: "10001", City: "New York", State: "NY", Country: "US",
			},
		},
		{
			name: "holder only",
			line: "4111111111111111 12 2027 123 Jane Doe",
			want: CardLine{
				Number: "4111111111111111", ExpMonth: "12", ExpYear: "2027", CVV: "123",
				HolderName: "Jane Doe",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCardLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseCardLineErrors(t *testing.T) {
	for _, line := range []string{"", "4111111111111111", "4111111111111111 12 2027"} {
		_, err := ParseCardLine(line)
		assert.ErrorIs(t, err, ErrBadCardLine, "line %q", line)
	}
}

func TestParseCards(t *testing.T) {
	doc := strings.Join([]string{
		"4111111111111111 12 2027 123",
		"",
		"bogus",
		"5555555555554444 01/28 456",
	}, "\n")

	cards, errs := ParseCards(strings.NewReader(doc))
	require.Len(t, cards, 2)
	assert.Equal(t, "4111111111111111", cards[0].Number)
	assert.Equal(t, "5555555555554444", cards[1].Number)
	require.Len(t, errs, 1)
}
