package names

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeProducesValidNames(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
	}{
		{name: "plain", parts: []string{"cachemachine", "jupyter"}},
		{name: "uppercase", parts: []string{"CacheMachine", "Jupyter"}},
		{name: "image reference", parts: []string{"cachemachine", "jupyter", "lsstsqre/sciplat-lab:w_2021_22"}},
		{name: "very long", parts: []string{"cachemachine", strings.Repeat("a", 100), strings.Repeat("b", 100)}},
		{name: "non alphanumeric edges", parts: []string{"-leading", "trailing-"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Make(tt.parts...)
			require.NotEmpty(t, got)
			require.LessOrEqual(t, len(got), 63)
			require.Regexp(t, `^[a-z0-9]([a-z0-9\-]*[a-z0-9])?$`, got)
		})
	}
}

func TestMakeIsStable(t *testing.T) {
	require.Equal(t, Make("cachemachine", "jupyter"), Make("cachemachine", "jupyter"))
}

func TestMakeDistinguishesSanitizedCollisions(t *testing.T) {
	require.NotEqual(t, Make("image:v1"), Make("image-v1"))
}

func TestLabelMapHashIgnoresOrder(t *testing.T) {
	a := map[string]string{"x": "1", "y": "2", "z": "3"}
	b := map[string]string{"z": "3", "y": "2", "x": "1"}
	require.Equal(t, LabelMapHash(a), LabelMapHash(b))

	c := map[string]string{"x": "1", "y": "2", "z": "4"}
	require.NotEqual(t, LabelMapHash(a), LabelMapHash(c))
}
