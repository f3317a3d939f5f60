package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinPromptsPresent(t *testing.T) {
	s := NewStore("")
	for _, name := range []string{ClassifyQuery, HybridSummarization, SQLAgent, SQLAnswer, RAGAnswer} {
		text, err := s.Load(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, text, name)
	}
	assert.Len(t, Builtin(), 5)
}

func TestDirectoryOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClassifyQuery+".txt"), []byte("  custom  \n"), 0644))

	s := NewStore(dir)
	text, err := s.Load(ClassifyQuery)
	require.NoError(t, err)
	assert.Equal(t, "custom", text)

	text, err = s.Load(HybridSummarization)
	require.NoError(t, err)
	assert.Contains(t, text, "combine two answers")
}

func TestSetOverridesEverything(t *testing.T) {
	s := NewStore("")
	s.Set(ClassifyQuery, "inline")
	text, err := s.Load(ClassifyQuery)
	require.NoError(t, err)
	assert.Equal(t, "inline", text)
}

func TestSetConcurrentWithLoad(t *testing.T) {
	s := NewStore("")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Set(fmt.Sprintf("custom_%d", i), "text")
		}(i)
		go func() {
			defer wg.Done()
			_, err := s.Load(ClassifyQuery)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	text, err := s.Load("custom_7")
	require.NoError(t, err)
	assert.Equal(t, "text", text)
}

func TestUnknownPrompt(t *testing.T) {
	_, err := NewStore("").Load("missing")
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	text, err := NewStore("").Render(SQLAgent, map[string]string{"max_rows": "25"})
	require.NoError(t, err)
	assert.Contains(t, text, "at most 25 rows")
	assert.NotContains(t, text, "{{max_rows}}")
}
