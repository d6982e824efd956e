package testutil

// FixedKeys returns a key generator that yields key on every call.
//
// Every insert through an engine using it gets the same primary key, so
// the second insert collides. If key is empty it yields "test-key".
//
// Stateless and safe for concurrent use.
func FixedKeys(key string) func() string {
	if key == "" {
		key = "test-key"
	}
	return func() string {
		return key
	}
}
