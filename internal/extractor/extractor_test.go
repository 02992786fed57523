package extractor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mnote/internal/ai"
)

func TestStrideSampleKeepsEverythingUnderBudget(t *testing.T) {
	responses := []string{"one", "two", "three"}
	out := strideSample(responses, 1000)
	require.Equal(t, responses, out)
}

func TestStrideSampleWalksDeterministicallyOverBudget(t *testing.T) {
	responses := make([]string, 20)
	for i := range responses {
		responses[i] = strings.Repeat("x", 100) // 2000 chars total
	}
	out := strideSample(responses, 500)
	require.NotEmpty(t, out)
	require.Less(t, len(out), len(responses))

	// Re-running against the same input must produce the same sample.
	out2 := strideSample(responses, 500)
	require.Equal(t, out, out2)
}

func TestStrideSampleNeverEmptiesANonEmptyInput(t *testing.T) {
	responses := []string{strings.Repeat("y", 100000)}
	out := strideSample(responses, 10)
	require.Len(t, out, 1)
}

func TestValidateAndDedupeFiltersAndCollapses(t *testing.T) {
	raw := []ai.ExtractedTheme{
		{Name: "Billing Issues", Description: "responses about billing"},
		{Name: "billing issues", Description: "a case-insensitive duplicate"},
		{Name: "", Description: "no name, must be dropped"},
		{Name: "No Description", Description: ""},
		{Name: strings.Repeat("z", 61), Description: "name too long, must be dropped"},
		{Name: "  Trimmed Name  ", Description: "  trimmed description  "},
	}
	out := validateAndDedupe(raw)

	require.Len(t, out, 2)
	require.Equal(t, "Billing Issues", out[0].Name)
	require.Equal(t, "Trimmed Name", out[1].Name)
	require.Equal(t, "trimmed description", out[1].Description)
}
