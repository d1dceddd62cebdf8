package blackboard

// History ordering utilities
//
// A node's artifact history is a ZSET where:
// - Key: tailor:{instance_name}:history:{session_id}:{node_key}
// - Members: artifact IDs
// - Score: a per-node sequence number allocated with INCR
//
// Using a sequence rather than the version keeps history ordered across
// artifact types, which each have their own version counter.

// HistoryScore converts a history sequence number to a ZSET score.
func HistoryScore(seq int64) float64 {
	return float64(seq)
}

// SeqFromScore converts a ZSET score back to a history sequence number.
func SeqFromScore(score float64) int64 {
	return int64(score)
}
