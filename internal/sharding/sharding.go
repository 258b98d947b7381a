package sharding

import (
	"encoding/base64"
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of change-feed partitions.
const ShardCount = 1024

// ChangeSubjectPrefix covers every change subject, for stream provisioning.
const ChangeSubjectPrefix = "app.change"

// GetShardID calculates the deterministic shard ID for a partition key.
func GetShardID(partition string) int {
	checksum := crc32.ChecksumIEEE([]byte(partition))
	return int(checksum % ShardCount)
}

// ChangeSubject returns the NATS subject carrying change notices for one
// partition of a collection.
// Format: app.change.{shard_id}.{collection}.{encoded_partition}
func ChangeSubject(collection, partition string) string {
	return fmt.Sprintf("%s.%d.%s.%s", ChangeSubjectPrefix, GetShardID(partition), collection, encodeToken(partition))
}

// encodeToken makes an arbitrary key safe as a single subject token. City keys
// carry spaces and user ids may carry dots.
func encodeToken(key string) string {
	if key == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}
