package urgency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		text string
		want Level
	}{
		{"muito sangue, socorro", Critical},
		{"Sofri um acidente e estou com dor", Critical},
		{"ele desmaiou", Critical},
		{"estou com muita dor", High},
		{"febre alta desde ontem", High},
		{"Não aguento mais", High},
		{"meu dente está doendo", Medium},
		{"sinto um desconforto", Medium},
		{"o rosto ficou com inchaço", Medium},
		{"é urgente", Low},
		{"", Low},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Detect(tc.text), "text=%q", tc.text)
	}
}

func TestDetect_CriticalBeatsLowerClasses(t *testing.T) {
	require.Equal(t, Critical, Detect("muita dor e sangramento"))
}
