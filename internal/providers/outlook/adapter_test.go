package outlook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeCategories(t *testing.T) {
	merged := mergeCategories(
		[]string{"red", "blue"},
		[]string{"green", "blue"},
		[]string{"red"},
	)
	require.Equal(t, []string{"blue", "green"}, merged)
}

func TestMergeCategoriesDedupes(t *testing.T) {
	merged := mergeCategories([]string{"red", "red"}, []string{"red"}, nil)
	require.Equal(t, []string{"red"}, merged)
}
