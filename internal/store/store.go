package store

// Store is a bucketed key-value store. Endpoints persist their block list and
// received-message history through it; a nil Store keeps both in memory only.
type Store interface {
	Get(bucket, key []byte) ([]byte, error)
	Set(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
	ForEach(bucket []byte, fn func(key, value []byte) error) error

	// Append stores value under the bucket's next sequence number and returns it.
	// Keys sort in append order.
	Append(bucket, value []byte) (uint64, error)
	// Trim deletes the oldest keys until at most keep remain.
	Trim(bucket []byte, keep int) error
	// Clear removes every key in bucket.
	Clear(bucket []byte) error

	Close() error
}
