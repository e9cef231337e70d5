package layeredcache

// serializeValue encodes v to bytes using the coordinator's configured
// Serializer, except when T is exactly []byte: that case bypasses the codec
// entirely and is written through verbatim.
func serializeValue[T any](c *Cache, v T) ([]byte, error) {
	if isByteSlice[T]() {
		b, _ := any(v).([]byte)
		return b, nil
	}
	return c.serializer.Marshal(v)
}

// deserializeValue decodes raw into a T, mirroring serializeValue's
// byte-slice bypass.
func deserializeValue[T any](c *Cache, raw []byte) (T, error) {
	var zero T
	if isByteSlice[T]() {
		v, _ := any(raw).(T)
		return v, nil
	}
	if err := c.serializer.Unmarshal(raw, &zero); err != nil {
		return zero, err
	}
	return zero, nil
}
