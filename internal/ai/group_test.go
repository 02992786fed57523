package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	out string
	err error
}

func (s *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return s.out, s.err
}

type stubEmbedder struct {
	vec   []float32
	err   error
	model string
}

func (s *stubEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	return s.vec, s.err
}

func (s *stubEmbedder) ModelName() string {
	return s.model
}

func TestGroupGeneratorFallsBackOnFailure(t *testing.T) {
	g := NewGroupGenerator([]GeneratorEntry{
		{Name: "primary", Generator: &stubGenerator{err: errors.New("primary down")}},
		{Name: "secondary", Generator: &stubGenerator{out: "ok from secondary"}},
	})
	out, err := g.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	require.Equal(t, "ok from secondary", out)
}

func TestGroupGeneratorReturnsLastErrorWhenAllFail(t *testing.T) {
	g := NewGroupGenerator([]GeneratorEntry{
		{Name: "primary", Generator: &stubGenerator{err: errors.New("primary down")}},
		{Name: "secondary", Generator: &stubGenerator{err: errors.New("secondary down")}},
	})
	_, err := g.Generate(context.Background(), "prompt")
	require.EqualError(t, err, "secondary down")
}

func TestNewGroupGeneratorEmptyReturnsNil(t *testing.T) {
	require.Nil(t, NewGroupGenerator(nil))
}

func TestGroupEmbedderFallsBackOnFailure(t *testing.T) {
	want := []float32{1, 2, 3}
	g := NewGroupEmbedder([]EmbedderEntry{
		{Name: "primary", Embedder: &stubEmbedder{err: errors.New("primary down")}},
		{Name: "secondary", Embedder: &stubEmbedder{vec: want}},
	})
	out, err := g.Embed(context.Background(), "text", "")
	require.NoError(t, err)
	require.Equal(t, want, out)
}

func TestGroupEmbedderModelNameJoinsEntries(t *testing.T) {
	g := NewGroupEmbedder([]EmbedderEntry{
		{Name: "ollama", Embedder: &stubEmbedder{}},
		{Name: "openai", Embedder: &stubEmbedder{}},
	})
	require.Equal(t, "ollama|openai", g.ModelName())
}
