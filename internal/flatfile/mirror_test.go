package flatfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorLineRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  MirrorRecord
	}{
		{
			name: "all fields",
			rec: MirrorRecord{
				AccountLine: AccountLine{
					Email:            "alice@example.com",
					Password:         "hunter2",
					RecoveryEmail:    "backup@example.org",
					TOTPSecret:       "GEZDGNBVGEZDGNBVGEZDGNBV",
					VerificationLink: "https://verify.example.com/x",
				},
				ProxyAddr: "10.0.0.1:1080",
				Status:    "verified",
			},
		},
		{
			name: "empty optionals keep their positions",
			rec: MirrorRecord{
				AccountLine: AccountLine{Email: "bob@example.com", Password: "pw"},
				Status:      "pending",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := FormatMirrorLine(tt.rec, "----")
			require.NoError(t, err)

			got, err := ParseMirrorLine(line, "----")
			require.NoError(t, err)
			assert.Equal(t, tt.rec, *got)
		})
	}
}

func TestParseMirrorLineErrors(t *testing.T) {
	_, err := ParseMirrorLine("alice@example.com----pw", "----")
	assert.ErrorIs(t, err, ErrBadAccountLine)

	_, err = ParseMirrorLine("a----b----c----d----e----f----g----h", "----")
	assert.ErrorIs(t, err, ErrBadAccountLine)
}

func TestFormatMirrorLineRejectsDelimiter(t *testing.T) {
	rec := MirrorRecord{
		AccountLine: AccountLine{Email: "alice@example.com", Password: "pw----x"},
		Status:      "pending",
	}
	_, err := FormatMirrorLine(rec, "----")
	assert.ErrorIs(t, err, ErrDelimiterInField)
}

func TestParseMirror(t *testing.T) {
	doc := strings.Join([]string{
		"# snapshot",
		"alice@example.com----pw1----------------pending",
		"not enough fields",
		"bob@example.com----pw2----backup@example.org--------10.0.0.1:1080----verified",
	}, "\n")

	recs, errs := ParseMirror(strings.NewReader(doc), "----")
	require.Len(t, recs, 2)
	assert.Equal(t, "pending", recs[0].Status)
	assert.Equal(t, "verified", recs[1].Status)
	assert.Equal(t, "10.0.0.1:1080", recs[1].ProxyAddr)
	require.Len(t, errs, 1)
}
