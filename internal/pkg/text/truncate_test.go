package text

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "abc", 10, "abc"},
		{"no limit", "abcdef", 0, "abcdef"},
		{"ascii", "abcdefghij", 6, "abc..."},
		{"tiny limit", "abcdef", 2, "ab"},
		{"multibyte", "止损已触发平仓完成", 6, "止损已..."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Truncate(tc.in, tc.max)
			assert.Equal(t, tc.want, got)
			if tc.max > 0 {
				assert.LessOrEqual(t, utf8.RuneCountInString(got), tc.max)
			}
		})
	}
}
