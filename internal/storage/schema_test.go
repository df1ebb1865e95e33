package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizePartitionDBName(t *testing.T) {
	assert.Equal(t, "syncd_acme_corp", SanitizePartitionDBName("acme-corp"))
	assert.Equal(t, "syncd_acmecorp", SanitizePartitionDBName("AcmeCorp"))
	assert.Equal(t, "syncd_a_b_c", SanitizePartitionDBName("a.b.c"))
}

func TestSanitizePartitionDBNameIsDeterministic(t *testing.T) {
	a := SanitizePartitionDBName("tenant-42")
	b := SanitizePartitionDBName("tenant-42")
	assert.Equal(t, a, b)
}
