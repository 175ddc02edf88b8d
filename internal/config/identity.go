package config

// Identity names the application for config discovery and env binding.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity Load uses when none has been set.
var DefaultIdentity = Identity{
	BinaryName: "gamesync",
	EnvPrefix:  "GAMESYNC",
	ConfigName: "gamesync",
}

// AppIdentity returns the identity of the most recent Load, or nil.
func AppIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return nil
	}
	id := *appIdentity
	return &id
}
