// Package shard provides shard key generation for write-sharded DynamoDB
// indexes.
package shard

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// RecencyPK computes the partition key a row uses on a recency index.
// With numShards=1, all rows share partition "<type>#00".
// With numShards>1, rows are distributed across shards by id hash so a
// single partition never absorbs the full write load.
func RecencyPK(entityType string, id uint32, numShards int) string {
	if numShards <= 1 {
		return fmt.Sprintf("%s#00", entityType)
	}
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatUint(uint64(id), 10)))
	shard := h.Sum32() % uint32(numShards)
	return fmt.Sprintf("%s#%02x", entityType, shard)
}

// AllRecencyPKs returns every partition key of a sharded recency index,
// for readers that fan out across shards.
func AllRecencyPKs(entityType string, numShards int) []string {
	if numShards <= 1 {
		return []string{fmt.Sprintf("%s#00", entityType)}
	}
	pks := make([]string, numShards)
	for i := 0; i < numShards; i++ {
		pks[i] = fmt.Sprintf("%s#%02x", entityType, i)
	}
	return pks
}
