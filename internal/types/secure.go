package types

// redactedPlaceholder replaces secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

// redactedJSON is the pre-computed JSON encoding of the redacted placeholder.
var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string type that prevents accidental logging or
// serialization of sensitive values (provider keys, webhook secrets, the
// database URL). It overrides String() and MarshalJSON() to return a
// redacted placeholder.
//
// Use Unmask() to retrieve the raw plaintext when it is genuinely needed
// (e.g., building an Authorization header or a connection string).
type SecretString string

// String returns a redacted placeholder instead of the raw value.
// Invoked by fmt.Sprintf, fmt.Println, and anything else using fmt.Stringer.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string, keeping
// secrets out of config dumps, API responses, and structured log entries.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}
