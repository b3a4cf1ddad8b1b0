package translate

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTranslator struct {
	out string
	err error
}

func (f *fakeTranslator) ToEnglish(context.Context, string) (string, error) {
	return f.out, f.err
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	got := Query(ctx, &fakeTranslator{out: "red car"}, "赤い車", logger)
	assert.Equal(t, "red car", got)

	got = Query(ctx, &fakeTranslator{err: errors.New("quota")}, "赤い車", logger)
	assert.Equal(t, "赤い車", got, "failure falls back to the original query")

	got = Query(ctx, nil, "赤い車", logger)
	assert.Equal(t, "赤い車", got)

	got = Query(ctx, &fakeTranslator{out: "x"}, "", logger)
	assert.Empty(t, got)
}
