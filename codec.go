package relay

// Codec defines the interface for payload serialization and deserialization.
// The hub uses a codec to pre-serialize published values into RawPayload
// fragments, and backplanes use one to frame traffic between hub instances.
// Implementations live in the codecs subpackages.
type Codec interface {
	// Encode serializes v into bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into v.
	Decode(data []byte, v any) error
}
