package textnorm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  Olá  ", "ola"},
		{"AMANHÃ", "amanha"},
		{"Próxima Terça", "proxima terca"},
		{"emergência", "emergencia"},
		{"", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Normalize(tc.in), "in=%q", tc.in)
	}
}
