package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateLockID(t *testing.T) {
	a := GenerateLockID("scheduler", "sweep")
	b := GenerateLockID("scheduler", "sweep")
	c := GenerateLockID("scheduler", "recompute")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// 区切りを含めてハッシュするため連結結果が同じでも衝突しない
	assert.NotEqual(t, GenerateLockID("ab", "c"), GenerateLockID("a", "bc"))
}
