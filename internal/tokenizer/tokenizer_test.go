package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWordTokenizer_RoundTrip(t *testing.T) {
	tok := NewWordTokenizer()
	ids, err := tok.Encode("the quick brown fox")
	assert.NoError(t, err)
	assert.Len(t, ids, 4)

	text, err := tok.Decode(ids)
	assert.NoError(t, err)
	assert.Equal(t, "the quick brown fox", text)
}

func TestWordTokenizer_StableIDsAcrossCalls(t *testing.T) {
	tok := NewWordTokenizer()
	first, _ := tok.Encode("alpha beta")
	second, _ := tok.Encode("beta alpha")
	assert.Equal(t, first[0], second[1])
	assert.Equal(t, first[1], second[0])
}

func TestWordTokenizer_DecodeIsPrefixConsistent(t *testing.T) {
	tok := NewWordTokenizer()
	ids, _ := tok.Encode("one two three four")

	full, _ := tok.Decode(ids)
	for k := 1; k <= len(ids); k++ {
		prefix, _ := tok.Decode(ids[:k])
		assert.True(t, len(full) >= len(prefix) && full[:len(prefix)] == prefix,
			"Decode(ids[:%d]) must be a prefix of Decode(ids)", k)
	}
}

func TestWordTokenizer_IsEOS(t *testing.T) {
	tok := NewWordTokenizer()
	assert.True(t, tok.IsEOS(DefaultEOSTokenID))
	assert.False(t, tok.IsEOS(DefaultEOSTokenID+1))
}

func TestWordTokenizer_NeverAssignsWordTheEOSID(t *testing.T) {
	tok := NewWordTokenizer()
	ids, _ := tok.Encode("first second third")
	for _, id := range ids {
		assert.NotEqual(t, DefaultEOSTokenID, id, "a real word must never collide with the EOS id")
	}
}

func TestNewWordTokenizerWithEOS_UsesGivenID(t *testing.T) {
	tok := NewWordTokenizerWithEOS(7)
	assert.True(t, tok.IsEOS(7))
	ids, _ := tok.Encode("hello")
	assert.NotEqual(t, 7, ids[0])
}
