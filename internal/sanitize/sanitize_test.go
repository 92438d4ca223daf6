package sanitize

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMasksContacts(t *testing.T) {
	r := NewRules("***", true, nil)

	tests := []struct {
		in, want string
	}{
		{"call me on +31 6 1234 5678 tonight", "call me on *** tonight"},
		{"mail me: jane.doe@example.com", "mail me: ***"},
		{"see https://example.com/me?x=1 ok", "see *** ok"},
		{"or www.example.org", "or ***"},
		{"we met in 2019", "we met in 2019"},
		{"line\x00break\x07", "linebreak"},
		{"keep\nnewlines\tand tabs", "keep\nnewlines\tand tabs"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Apply(tt.in), "input %q", tt.in)
	}
}

func TestApplyContactsDisabled(t *testing.T) {
	r := NewRules("***", false, nil)
	assert.Equal(t, "jane@example.com", r.Apply("jane@example.com"))
}

func TestBlockedWordsWholeWordCaseInsensitive(t *testing.T) {
	r := NewRules("#", false, []string{"darn", " Heck ", "darn", ""})
	assert.Equal(t, []string{"darn", "heck"}, r.Words())
	assert.Equal(t, "oh #, what the #", r.Apply("oh DARN, what the heck"))
	assert.Equal(t, "darnation stays", r.Apply("darnation stays"))
}

func TestApplyIsDeterministic(t *testing.T) {
	r := NewRules("***", true, []string{"spam"})
	in := "spam me at spam@example.com or 0612345678"
	first := r.Apply(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Apply(in))
	}
}

func TestParseWordList(t *testing.T) {
	words, err := ParseWordList(strings.NewReader("# comment\nfoo\n\n  bar  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "bar"}, words)
}

func TestSanitizerReloadsWordList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\n"), 0o644))

	s, err := NewFromFile(path, "***", false)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "*** beta", s.Sanitize("alpha beta"))

	require.NoError(t, os.WriteFile(path, []byte("beta\n"), 0o644))
	require.Eventually(t, func() bool {
		return s.Sanitize("alpha beta") == "alpha ***"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSanitizerMissingFileIsPickedUpLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lists", "words.txt")

	s, err := NewFromFile(path, "***", false)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "gamma", s.Sanitize("gamma"))

	require.NoError(t, os.WriteFile(path, []byte("gamma\n"), 0o644))
	require.Eventually(t, func() bool {
		return s.Sanitize("gamma") == "***"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSanitizerWithoutFile(t *testing.T) {
	s, err := NewFromFile("", "***", true)
	require.NoError(t, err)
	assert.Equal(t, "***", s.Sanitize("bob@example.com"))
	assert.NoError(t, s.Close())
}
