package localstore

// keyValue is the minimal ordered key-value surface the store core needs.
// Scan visits keys with the prefix in ascending key order.
type keyValue interface {
	get(key string) ([]byte, bool, error)
	set(key string, value []byte) error
	delete(key string) error
	scan(prefix string, visit func(key string, value []byte) error) error
	close() error
}
